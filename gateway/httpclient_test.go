package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewHTTPClientRejectsEmptyBaseURL(t *testing.T) {
	if _, err := NewHTTPClient(HTTPConfig{}); err == nil {
		t.Fatalf("expected an error for an empty base url")
	}
}

func TestGetCurrentLedgerStateDecodesSuccessResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status/gateway-status" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(LedgerState{StateVersion: 42, Epoch: 7})
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	state, err := c.GetCurrentLedgerState(context.Background())
	if err != nil {
		t.Fatalf("get current ledger state: %v", err)
	}
	if state.StateVersion != 42 {
		t.Fatalf("expected state version 42, got %d", state.StateVersion)
	}
}

func TestGetLedgerStateAtSendsRequestedStateVersion(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(LedgerState{StateVersion: 42, Epoch: 7})
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	state, err := c.GetLedgerStateAt(context.Background(), 42)
	if err != nil {
		t.Fatalf("get ledger state at: %v", err)
	}
	if state.Epoch != 7 {
		t.Fatalf("expected epoch 7, got %d", state.Epoch)
	}
	selector, ok := gotBody["at_ledger_state"].(map[string]any)
	if !ok {
		t.Fatalf("expected an at_ledger_state selector in the request body, got %v", gotBody)
	}
	if v, _ := selector["state_version"].(float64); int64(v) != 42 {
		t.Fatalf("expected state_version 42 in the selector, got %v", selector["state_version"])
	}
}

func TestDoJSONClassifies429AsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = c.GetCurrentLedgerState(context.Background())
	if !IsTransient(err) {
		t.Fatalf("expected a transient error, got %v", err)
	}
}

func TestDoJSONClassifies404AsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = c.GetCurrentLedgerState(context.Background())
	if !IsPermanent(err) {
		t.Fatalf("expected a permanent error, got %v", err)
	}
}

func TestGetFungibleBalancesAtParsesDecimalBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"balance": "123.456"})
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	balance, err := c.GetFungibleBalancesAt(context.Background(), "account_alice", 1, "resource_stake")
	if err != nil {
		t.Fatalf("get fungible balances: %v", err)
	}
	if balance.String() != "123.456" {
		t.Fatalf("expected balance 123.456, got %s", balance.String())
	}
}

func TestBasicAuthHeaderIsSentWhenConfigured(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(LedgerState{})
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, BasicAuth: "user:pass"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := c.GetCurrentLedgerState(context.Background()); err != nil {
		t.Fatalf("get current ledger state: %v", err)
	}
	if gotAuth == "" {
		t.Fatalf("expected an Authorization header to be sent")
	}
}
