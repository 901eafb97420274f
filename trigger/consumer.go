// Package trigger drains the RecomputeTrigger queue: deferred weight
// calculations that could not be determined inline during transaction
// processing.
package trigger

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"govvoted/metrics"
	"govvoted/snapshot"
	"govvoted/weight"
)

// Config tunes the Trigger Consumer's polling, concurrency, and backoff.
type Config struct {
	PollInterval    time.Duration
	Concurrency     int
	MaxAttempts     int
	BackoffInitial  time.Duration
	BackoffCeiling  time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = 30 * time.Second
	}
	return c
}

// ParametersLoader returns the current governance parameters for recompute.
type ParametersLoader func(ctx context.Context) (weight.Parameters, error)

// Consumer drains due recompute triggers.
type Consumer struct {
	db         *gorm.DB
	calculator *weight.Calculator
	engine     *snapshot.Engine
	params     ParametersLoader
	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Collector
}

// New builds a Consumer.
func New(db *gorm.DB, calculator *weight.Calculator, engine *snapshot.Engine, params ParametersLoader, cfg Config, logger *slog.Logger, m *metrics.Collector) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Consumer{db: db, calculator: calculator, engine: engine, params: params, cfg: cfg.withDefaults(), logger: logger.With("component", "trigger_consumer"), metrics: m}
}

// Run polls for due triggers until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Tick(ctx); err != nil {
				c.logger.Error("trigger tick failed", "error", err)
			}
		}
	}
}

// Tick processes every currently-due trigger once, up to cfg.Concurrency in
// parallel.
func (c *Consumer) Tick(ctx context.Context) error {
	due, err := c.leaseDue(ctx)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	params, err := c.params(ctx)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.cfg.Concurrency)
	for _, t := range due {
		t := t
		group.Go(func() error {
			c.processOne(groupCtx, params, t)
			return nil
		})
	}
	return group.Wait()
}

// leaseDue selects triggers whose nextAttemptAt has passed and have not
// exceeded the max attempt count, using skip-locked semantics so multiple
// consumer instances never race on the same row, and bumps nextAttemptAt
// forward by a short lease window so a crash mid-recompute doesn't wedge
// the trigger until a human notices.
func (c *Consumer) leaseDue(ctx context.Context) ([]snapshot.RecomputeTrigger, error) {
	var due []snapshot.RecomputeTrigger
	err := c.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("failed = ? AND next_attempt_at <= ?", false, time.Now()).
			Order("next_attempt_at ASC").
			Limit(c.cfg.Concurrency * 4).
			Find(&due).Error; err != nil {
			return err
		}
		lease := time.Now().Add(leaseWindow)
		for i := range due {
			due[i].NextAttemptAt = lease
			if err := txn.Model(&snapshot.RecomputeTrigger{}).
				Where("trigger_id = ?", due[i].TriggerID).
				Update("next_attempt_at", lease).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return due, nil
}

const leaseWindow = 30 * time.Second

func (c *Consumer) processOne(ctx context.Context, params weight.Parameters, t snapshot.RecomputeTrigger) {
	result, err := c.calculator.Compute(ctx, weight.Inputs{
		VoterAccount:          t.VoterAccount,
		AnchoringStateVersion: t.AnchoringStateVersion,
		Parameters:            params,
	})
	if err != nil {
		c.logger.Error("trigger recompute failed permanently", "trigger_id", t.TriggerID, "error", err)
		c.fail(t, err)
		return
	}

	if result.Pending {
		c.defer_(t)
		return
	}

	c.metrics.WeightCompletedCount.Inc()
	err = c.db.Transaction(func(txn *gorm.DB) error {
		return c.engine.ResolveTrigger(txn, t, result.Power)
	})
	if err != nil {
		c.logger.Error("trigger resolve failed", "trigger_id", t.TriggerID, "error", err)
	}
}

func (c *Consumer) defer_(t snapshot.RecomputeTrigger) {
	attempts := t.Attempts + 1
	failed := attempts >= c.cfg.MaxAttempts
	next := time.Now().Add(c.backoff(attempts))
	err := c.db.Transaction(func(txn *gorm.DB) error {
		return c.engine.DeferTrigger(txn, t, next, failed)
	})
	if err != nil {
		c.logger.Error("trigger defer failed", "trigger_id", t.TriggerID, "error", err)
		return
	}
	if failed {
		c.metrics.WeightFailedCount.Inc()
		c.logger.Warn("trigger exceeded max attempts, marked failed", "trigger_id", t.TriggerID, "attempts", attempts)
	}
}

func (c *Consumer) fail(t snapshot.RecomputeTrigger, cause error) {
	_ = c.db.Transaction(func(txn *gorm.DB) error {
		return c.engine.DeferTrigger(txn, t, time.Now(), true)
	})
	c.metrics.WeightFailedCount.Inc()
	_ = cause
}

func (c *Consumer) backoff(attempts int) time.Duration {
	d := c.cfg.BackoffInitial
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= c.cfg.BackoffCeiling {
			return c.cfg.BackoffCeiling
		}
	}
	if d > c.cfg.BackoffCeiling {
		d = c.cfg.BackoffCeiling
	}
	return d
}
