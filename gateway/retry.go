package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
)

// RetryConfig tunes the backoff schedule the retrying decorator applies to
// transient gateway errors.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsedTime bounds a single call's total retry budget. Zero means
	// retry indefinitely, which is appropriate for the Listener's per-page
	// fetch loop but not for calls made on the per-transaction hot path.
	MaxElapsedTime time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	return c
}

// retrying decorates a Capability, retrying TransientError failures with an
// exponential-with-cap backoff schedule before surfacing the error.
type retrying struct {
	next   Capability
	cfg    RetryConfig
	logger *slog.Logger
}

// WithRetry wraps cap so that transient errors are retried transparently
// per cfg. Permanent errors pass through on the first attempt.
func WithRetry(cap Capability, cfg RetryConfig, logger *slog.Logger) Capability {
	if logger == nil {
		logger = slog.Default()
	}
	return &retrying{next: cap, cfg: cfg.withDefaults(), logger: logger}
}

func (r *retrying) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.MaxElapsedTime = r.cfg.MaxElapsedTime
	return backoff.WithContext(b, ctx)
}

func retryOp[T any](ctx context.Context, r *retrying, op string, fn func() (T, error)) (T, error) {
	var result T
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var callErr error
		result, callErr = fn()
		if callErr == nil {
			return nil
		}
		if !IsTransient(callErr) {
			return backoff.Permanent(callErr)
		}
		r.logger.Warn("gateway call retrying", "op", op, "attempt", attempt, "error", callErr)
		return callErr
	}, r.newBackOff(ctx))
	if err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return result, perm.Err
		}
		return result, err
	}
	return result, nil
}

func (r *retrying) GetCurrentLedgerState(ctx context.Context) (LedgerState, error) {
	return retryOp(ctx, r, "GetCurrentLedgerState", func() (LedgerState, error) {
		return r.next.GetCurrentLedgerState(ctx)
	})
}

func (r *retrying) GetLedgerStateAt(ctx context.Context, atStateVersion int64) (LedgerState, error) {
	return retryOp(ctx, r, "GetLedgerStateAt", func() (LedgerState, error) {
		return r.next.GetLedgerStateAt(ctx, atStateVersion)
	})
}

func (r *retrying) StreamCommittedTransactions(ctx context.Context, opts StreamOptions) (Page, error) {
	return retryOp(ctx, r, "StreamCommittedTransactions", func() (Page, error) {
		return r.next.StreamCommittedTransactions(ctx, opts)
	})
}

func (r *retrying) GetComponentStateAt(ctx context.Context, componentAddress string, atStateVersion int64) (ComponentState, error) {
	return retryOp(ctx, r, "GetComponentStateAt", func() (ComponentState, error) {
		return r.next.GetComponentStateAt(ctx, componentAddress, atStateVersion)
	})
}

func (r *retrying) GetKeyValueStorePageAt(ctx context.Context, kvsAddress string, atStateVersion int64, cursor string, pageSize int) (KVSPage, error) {
	return retryOp(ctx, r, "GetKeyValueStorePageAt", func() (KVSPage, error) {
		return r.next.GetKeyValueStorePageAt(ctx, kvsAddress, atStateVersion, cursor, pageSize)
	})
}

func (r *retrying) GetKeyValueStoreDataAt(ctx context.Context, kvsAddress string, atStateVersion int64, keys [][]byte) (map[string][]byte, error) {
	return retryOp(ctx, r, "GetKeyValueStoreDataAt", func() (map[string][]byte, error) {
		return r.next.GetKeyValueStoreDataAt(ctx, kvsAddress, atStateVersion, keys)
	})
}

func (r *retrying) GetFungibleBalancesAt(ctx context.Context, accountAddress string, atStateVersion int64, resourceAddress string) (decimal.Decimal, error) {
	return retryOp(ctx, r, "GetFungibleBalancesAt", func() (decimal.Decimal, error) {
		return r.next.GetFungibleBalancesAt(ctx, accountAddress, atStateVersion, resourceAddress)
	})
}

func (r *retrying) GetNonFungibleHoldingsAt(ctx context.Context, accountAddress string, atStateVersion int64, resourceAddress string) (map[string]struct{}, error) {
	return retryOp(ctx, r, "GetNonFungibleHoldingsAt", func() (map[string]struct{}, error) {
		return r.next.GetNonFungibleHoldingsAt(ctx, accountAddress, atStateVersion, resourceAddress)
	})
}
