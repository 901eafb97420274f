package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	BaseURL   string
	BasicAuth string // "user:password"; empty disables the Authorization header
	Timeout   time.Duration
}

// HTTPClient implements Capability against a REST-flavored ledger gateway.
// It classifies non-2xx responses and connection failures into the
// Transient/Permanent taxonomy the rest of the pipeline relies on; it does
// not itself retry (see WithRetry for that).
type HTTPClient struct {
	baseURL    string
	authHeader string
	httpClient *http.Client
}

// NewHTTPClient builds an HTTPClient with sane defaults.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("gateway: base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	var authHeader string
	if cfg.BasicAuth != "" {
		authHeader = "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.BasicAuth))
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(base, "/"),
		authHeader: authHeader,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, op, method, path string, body, out any) error {
	var reqBody []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &PermanentError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		reqBody = b
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(string(reqBody)))
	if err != nil {
		return &PermanentError{Op: op, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &PermanentError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &TransientError{Op: op, RetryAfter: resp.Header.Get("Retry-After"), Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		return &PermanentError{Op: op, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
}

func (c *HTTPClient) GetCurrentLedgerState(ctx context.Context) (LedgerState, error) {
	var out LedgerState
	err := c.doJSON(ctx, "GetCurrentLedgerState", http.MethodGet, "/status/gateway-status", nil, &out)
	return out, err
}

func (c *HTTPClient) GetLedgerStateAt(ctx context.Context, atStateVersion int64) (LedgerState, error) {
	var out LedgerState
	err := c.doJSON(ctx, "GetLedgerStateAt", http.MethodPost, "/status/gateway-status", map[string]any{
		"at_ledger_state": map[string]any{"state_version": atStateVersion},
	}, &out)
	return out, err
}

func (c *HTTPClient) StreamCommittedTransactions(ctx context.Context, opts StreamOptions) (Page, error) {
	var out Page
	err := c.doJSON(ctx, "StreamCommittedTransactions", http.MethodPost, "/stream/transactions", opts, &out)
	return out, err
}

func (c *HTTPClient) GetComponentStateAt(ctx context.Context, componentAddress string, atStateVersion int64) (ComponentState, error) {
	var out ComponentState
	err := c.doJSON(ctx, "GetComponentStateAt", http.MethodPost, "/state/entity/details", map[string]any{
		"address":       componentAddress,
		"state_version": atStateVersion,
	}, &out)
	return out, err
}

func (c *HTTPClient) GetKeyValueStorePageAt(ctx context.Context, kvsAddress string, atStateVersion int64, cursor string, pageSize int) (KVSPage, error) {
	var out KVSPage
	err := c.doJSON(ctx, "GetKeyValueStorePageAt", http.MethodPost, "/state/key-value-store/keys", map[string]any{
		"key_value_store_address": kvsAddress,
		"state_version":           atStateVersion,
		"cursor":                  cursor,
		"limit":                   pageSize,
	}, &out)
	return out, err
}

func (c *HTTPClient) GetKeyValueStoreDataAt(ctx context.Context, kvsAddress string, atStateVersion int64, keys [][]byte) (map[string][]byte, error) {
	var out map[string][]byte
	err := c.doJSON(ctx, "GetKeyValueStoreDataAt", http.MethodPost, "/state/key-value-store/data", map[string]any{
		"key_value_store_address": kvsAddress,
		"state_version":           atStateVersion,
		"keys":                    keys,
	}, &out)
	return out, err
}

func (c *HTTPClient) GetFungibleBalancesAt(ctx context.Context, accountAddress string, atStateVersion int64, resourceAddress string) (decimal.Decimal, error) {
	var out struct {
		Balance string `json:"balance"`
	}
	err := c.doJSON(ctx, "GetFungibleBalancesAt", http.MethodPost, "/state/entity/page/fungibles", map[string]any{
		"address":          accountAddress,
		"state_version":    atStateVersion,
		"resource_address": resourceAddress,
	}, &out)
	if err != nil {
		return decimal.Zero, err
	}
	if out.Balance == "" {
		return decimal.Zero, nil
	}
	d, parseErr := decimal.NewFromString(out.Balance)
	if parseErr != nil {
		return decimal.Zero, &PermanentError{Op: "GetFungibleBalancesAt", Err: parseErr}
	}
	return d, nil
}

func (c *HTTPClient) GetNonFungibleHoldingsAt(ctx context.Context, accountAddress string, atStateVersion int64, resourceAddress string) (map[string]struct{}, error) {
	var out struct {
		Items []string `json:"items"`
	}
	err := c.doJSON(ctx, "GetNonFungibleHoldingsAt", http.MethodPost, "/state/entity/page/non-fungible-vaults", map[string]any{
		"address":          accountAddress,
		"state_version":    atStateVersion,
		"resource_address": resourceAddress,
	}, &out)
	if err != nil {
		return nil, err
	}
	holdings := make(map[string]struct{}, len(out.Items))
	for _, id := range out.Items {
		holdings[id] = struct{}{}
	}
	return holdings, nil
}
