// Package listener drives the whole pipeline from the upstream committed-
// transaction stream to committed database work.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"govvoted/cursor"
	"govvoted/gateway"
	"govvoted/metrics"
	"govvoted/snapshot"
	"govvoted/txhandler"
)

// Config tunes the Listener's polling and concurrency behavior.
type Config struct {
	ComponentAddress string
	LimitPerPage     int
	WaitTime         time.Duration
	RetryAttempts    int
	PrepareConcurrency int
}

func (c Config) withDefaults() Config {
	if c.LimitPerPage <= 0 {
		c.LimitPerPage = 100
	}
	if c.WaitTime <= 0 {
		c.WaitTime = 10 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.PrepareConcurrency <= 0 {
		c.PrepareConcurrency = 5
	}
	return c
}

// ParametersLoader returns the current governance parameters used to seed
// weight calculations. The Listener reloads it once per page so a mid-
// stream ParametersChanged action takes effect on the next page.
type ParametersLoader func(ctx context.Context) (txhandler.Parameters, error)

// Listener consumes the upstream stream and dispatches per-transaction
// handlers under bounded concurrency.
type Listener struct {
	gw      gateway.Capability
	db      *gorm.DB
	handler *txhandler.Handler
	engine  *snapshot.Engine
	params  ParametersLoader
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Collector
}

// New builds a Listener.
func New(gw gateway.Capability, db *gorm.DB, handler *txhandler.Handler, engine *snapshot.Engine, params ParametersLoader, cfg Config, logger *slog.Logger, m *metrics.Collector) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Listener{gw: gw, db: db, handler: handler, engine: engine, params: params, cfg: cfg.withDefaults(), logger: logger.With("component", "listener"), metrics: m}
}

// Run drives the pipeline starting from fromStateVersion until ctx is
// cancelled. On shutdown it stops fetching new pages and lets the current
// in-flight ordered batch drain to a consistent cursor boundary before
// returning.
func (l *Listener) Run(ctx context.Context, fromStateVersion int64) error {
	lastSeen := fromStateVersion - 1
	ticker := time.NewTicker(l.cfg.WaitTime)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		page, err := l.gw.StreamCommittedTransactions(ctx, gateway.StreamOptions{
			FromStateVersion:       lastSeen + 1,
			LimitPerPage:           l.cfg.LimitPerPage,
			FilterAffectedEntities: []string{l.cfg.ComponentAddress},
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("page fetch failed, will retry after wait interval", "error", err)
			if !l.sleep(ctx, ticker) {
				return ctx.Err()
			}
			continue
		}
		l.metrics.ListenerPagesFetched.Inc()

		if len(page.Items) == 0 {
			if !l.sleep(ctx, ticker) {
				return ctx.Err()
			}
			continue
		}

		if err := assertAscending(page.Items); err != nil {
			return fmt.Errorf("listener: %w", err)
		}

		params, err := l.params(ctx)
		if err != nil {
			return fmt.Errorf("listener: load parameters: %w", err)
		}

		newLastSeen, err := l.processPage(ctx, params, page.Items)
		lastSeen = newLastSeen
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, cursor.ErrRegressed) || errors.Is(err, snapshot.ErrInvariantViolated) {
				return fmt.Errorf("listener: process page: %w", err)
			}
			l.logger.Warn("page processing interrupted, will retry after wait interval", "last_committed", lastSeen, "error", err)
			if !l.sleep(ctx, ticker) {
				return ctx.Err()
			}
		}
	}
}

func (l *Listener) sleep(ctx context.Context, ticker *time.Ticker) bool {
	select {
	case <-ctx.Done():
		return false
	case <-ticker.C:
		return true
	}
}

// processPage decodes and weight-calculates every item concurrently under a
// bounded semaphore, then commits each item strictly in ascending
// state-version order — the order items already arrive in per the gateway
// contract. It returns the highest state version successfully committed
// (or dead-lettered), which may be less than the page's final item if a
// transient failure interrupts the batch; the caller then waits and
// re-requests the page from the interrupted point. An invariant violation is
// dead-lettered first and then returned as an error, which Run treats as
// fatal.
func (l *Listener) processPage(ctx context.Context, params txhandler.Parameters, items []gateway.Transaction) (int64, error) {
	prepared := make([]txhandler.Prepared, len(items))
	prepareErrs := make([]error, len(items))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(l.cfg.PrepareConcurrency)
	for i, item := range items {
		i, item := i, item
		group.Go(func() error {
			p, err := l.handler.Prepare(groupCtx, params, item)
			prepared[i] = p
			if err != nil && !isPermanent(err) {
				// A transient Prepare failure cancels the group; the
				// caller retries the whole page from lastCommitted.
				prepareErrs[i] = err
				return err
			}
			prepareErrs[i] = err
			return nil
		})
	}
	if err := group.Wait(); err != nil && !isPermanent(err) {
		return items[0].StateVersion - 1, err
	}

	lastCommitted := items[0].StateVersion - 1
	for i, item := range items {
		if err := prepareErrs[i]; err != nil {
			if asPermanent, ok := err.(*txhandler.PermanentError); ok {
				if derr := l.deadLetter(item, asPermanent); derr != nil {
					return lastCommitted, derr
				}
				lastCommitted = item.StateVersion
				continue
			}
			return lastCommitted, fmt.Errorf("prepare tx %s: %w", item.IntentHash, err)
		}

		if err := l.commitWithRetry(ctx, params, prepared[i]); err != nil {
			if asPermanent, ok := err.(*txhandler.PermanentError); ok {
				if derr := l.deadLetter(item, asPermanent); derr != nil {
					return lastCommitted, derr
				}
				lastCommitted = item.StateVersion
				if errors.Is(err, snapshot.ErrInvariantViolated) {
					return lastCommitted, fmt.Errorf("commit tx %s: %w", item.IntentHash, err)
				}
				continue
			}
			return lastCommitted, fmt.Errorf("commit tx %s: %w", item.IntentHash, err)
		}
		lastCommitted = item.StateVersion
	}
	return lastCommitted, nil
}

func (l *Listener) commitWithRetry(ctx context.Context, params txhandler.Parameters, p txhandler.Prepared) error {
	var lastErr error
	for attempt := 0; attempt < l.cfg.RetryAttempts; attempt++ {
		err := l.handler.Commit(ctx, params, p)
		if err == nil {
			return nil
		}
		if _, ok := err.(*txhandler.PermanentError); ok {
			return err
		}
		lastErr = err
		l.logger.Warn("commit failed, retrying", "attempt", attempt+1, "error", err)
		time.Sleep(backoffDelay(attempt))
	}
	return lastErr
}

func backoffDelay(attempt int) time.Duration {
	d := 500 * time.Millisecond << attempt
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func (l *Listener) deadLetter(item gateway.Transaction, cause error) error {
	l.metrics.ListenerTransactionsDeadLettered.Inc()
	l.logger.Error("transaction dead-lettered", "state_version", item.StateVersion, "intent_hash", item.IntentHash, "error", cause)
	return l.db.Transaction(func(txn *gorm.DB) error {
		if err := l.engine.RecordDeadLetter(txn, item.StateVersion, item.IntentHash, "permanent", cause.Error()); err != nil {
			return err
		}
		return cursor.AdvanceTo(txn, item.StateVersion)
	})
}

func isPermanent(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*txhandler.PermanentError)
	return ok
}

// assertAscending enforces the gateway's ordering contract: items within a
// page must be strictly ascending by state version. A violation is a
// contract break by upstream and must stop the cursor from advancing.
func assertAscending(items []gateway.Transaction) error {
	for i := 1; i < len(items); i++ {
		if items[i].StateVersion <= items[i-1].StateVersion {
			return fmt.Errorf("page items out of order: version %d at index %d does not exceed preceding version %d",
				items[i].StateVersion, i, items[i-1].StateVersion)
		}
	}
	return nil
}
