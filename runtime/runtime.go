// Package runtime composes the Cursor Store, Dedup Buffer, Gateway
// Capability, Ledger-State Resolver, Event Decoder, Vote-Weight Calculator,
// Startup Reconciliation, Transaction Listener, and Trigger Consumer into
// one supervised process with bounded concurrency, retry schedules, and
// graceful shutdown.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"govvoted/config"
	"govvoted/cursor"
	"govvoted/dedup"
	"govvoted/events"
	"govvoted/gateway"
	"govvoted/ledgerstate"
	"govvoted/listener"
	"govvoted/metrics"
	"govvoted/reconcile"
	"govvoted/snapshot"
	"govvoted/trigger"
	"govvoted/txhandler"
	"govvoted/weight"
)

// Runtime is the supervised process composition root.
type Runtime struct {
	cfg        config.Config
	db         *gorm.DB
	gw         gateway.Capability
	logger     *slog.Logger
	metrics    *metrics.Collector
	dedupBuf   *dedup.Buffer
	engine     *snapshot.Engine
	calculator *weight.Calculator
	listener   *listener.Listener
	consumer   *trigger.Consumer
}

// New wires one supervised process from its collaborators. gw is the
// externally-provided Gateway Capability implementation, already wrapped
// with whatever rate-limit retry middleware the caller wants (see
// gateway.WithRetry).
func New(cfg config.Config, db *gorm.DB, gw gateway.Capability, logger *slog.Logger) (*Runtime, error) {
	if db == nil {
		return nil, fmt.Errorf("runtime: database handle is required")
	}
	if gw == nil {
		return nil, fmt.Errorf("runtime: gateway capability is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := cursor.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("runtime: migrate cursor: %w", err)
	}
	if err := dedup.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("runtime: migrate dedup: %w", err)
	}
	if err := snapshot.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("runtime: migrate snapshot: %w", err)
	}

	m := metrics.Default()

	dedupBuf, err := dedup.New(cfg.DedupWindow)
	if err != nil {
		return nil, fmt.Errorf("runtime: build dedup buffer: %w", err)
	}

	formula, err := formulaFor(cfg.WeightStrategy)
	if err != nil {
		return nil, err
	}
	calculator, err := weight.New(gw, formula, cfg.WeightConcurrency)
	if err != nil {
		return nil, fmt.Errorf("runtime: build weight calculator: %w", err)
	}

	resolver, err := ledgerstate.New(gw, 0)
	if err != nil {
		return nil, fmt.Errorf("runtime: build ledger-state resolver: %w", err)
	}

	engine := snapshot.New()
	decoder := events.New(cfg.GovernanceComponentAddress, nil, events.DefaultRegistry())
	handler := txhandler.New(db, decoder, calculator, engine, dedupBuf, resolver, m)

	paramsLoader := func(ctx context.Context) (txhandler.Parameters, error) {
		p, err := loadParameters(db)
		if err != nil {
			return txhandler.Parameters{}, err
		}
		return txhandler.Parameters{Weight: p}, nil
	}
	weightParamsLoader := func(ctx context.Context) (weight.Parameters, error) {
		return loadParameters(db)
	}

	l := listener.New(gw, db, handler, engine, paramsLoader, listener.Config{
		ComponentAddress:   cfg.GovernanceComponentAddress,
		LimitPerPage:       cfg.ListenerLimitPerPage,
		WaitTime:           cfg.ListenerWaitTime.Duration,
		RetryAttempts:      cfg.ListenerRetryAttempts,
		PrepareConcurrency: cfg.GatewayPageConcurrency,
	}, logger, m)

	c := trigger.New(db, calculator, engine, weightParamsLoader, trigger.Config{
		Concurrency:    cfg.TriggerConcurrency,
		MaxAttempts:    cfg.TriggerMaxAttempts,
		BackoffInitial: cfg.TriggerBackoffInitial.Duration,
		BackoffCeiling: cfg.TriggerBackoffCeiling.Duration,
	}, logger, m)

	return &Runtime{
		cfg: cfg, db: db, gw: gw, logger: logger, metrics: m,
		dedupBuf: dedupBuf, engine: engine, calculator: calculator,
		listener: l, consumer: c,
	}, nil
}

func formulaFor(strategy string) (weight.Formula, error) {
	switch strategy {
	case "", "stake":
		return weight.StakeFormula, nil
	case "badge":
		return weight.BadgeFormula, nil
	case "composite":
		return weight.CompositeFormula, nil
	default:
		return nil, fmt.Errorf("runtime: unknown weight strategy %q", strategy)
	}
}

func loadParameters(db *gorm.DB) (weight.Parameters, error) {
	var row snapshot.GovernanceParameters
	err := db.First(&row, snapshot.GovernanceParametersSingletonID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return weight.Parameters{}, nil
	}
	if err != nil {
		return weight.Parameters{}, fmt.Errorf("runtime: load governance parameters: %w", err)
	}

	var raw map[string]string
	if row.RawJSON != "" {
		if err := json.Unmarshal([]byte(row.RawJSON), &raw); err != nil {
			return weight.Parameters{}, fmt.Errorf("runtime: decode governance parameters raw payload: %w", err)
		}
	}
	params, err := weight.ParametersFromRaw(raw)
	if err != nil {
		return weight.Parameters{}, fmt.Errorf("runtime: derive weight parameters: %w", err)
	}
	return params, nil
}

// Run executes Startup Reconciliation once, then runs the Listener and
// Trigger Consumer concurrently until ctx is cancelled, draining in-flight
// work to a commit boundary before returning.
func (r *Runtime) Run(ctx context.Context) error {
	reconciler, err := reconcile.New(r.db, r.gw, r.cfg.GovernanceComponentAddress, r.dedupBuf)
	if err != nil {
		return fmt.Errorf("runtime: build reconciler: %w", err)
	}

	resumeFrom := r.cfg.ListenerFromStateVersion
	if resumeFrom <= 0 {
		resumeFrom, err = reconciler.Run(ctx)
		if err != nil {
			return fmt.Errorf("runtime: startup reconciliation: %w", err)
		}
	} else if err := r.dedupBuf.Rehydrate(r.db); err != nil {
		return fmt.Errorf("runtime: rehydrate dedup buffer: %w", err)
	}
	r.logger.Info("starting pipeline", "resume_from_state_version", resumeFrom)

	errCh := make(chan error, 3)
	go func() { errCh <- r.listener.Run(ctx, resumeFrom) }()
	go func() { errCh <- r.consumer.Run(ctx) }()
	go func() { errCh <- r.runCompactor(ctx) }()

	select {
	case <-ctx.Done():
		return r.drain(errCh, 3)
	case err := <-errCh:
		if errors.Is(err, context.Canceled) {
			return r.drain(errCh, 2)
		}
		return fmt.Errorf("runtime: supervised task exited: %w", err)
	}
}

// runCompactor periodically trims the Dedup Buffer's durable table down to
// its configured window, supervised alongside the Listener and Trigger
// Consumer. A compaction failure is logged and retried on the next tick; it
// never escalates to a fatal runtime error since the in-memory buffer stays
// correct regardless.
func (r *Runtime) runCompactor(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.dedupBuf.Compact(r.db); err != nil {
				r.logger.Warn("dedup compaction failed", "error", err)
			}
		}
	}
}

// drain waits briefly for the remaining supervised tasks to observe
// cancellation and exit before giving up.
func (r *Runtime) drain(errCh chan error, remaining int) error {
	timeout := time.NewTimer(30 * time.Second)
	defer timeout.Stop()
	for i := 0; i < remaining; i++ {
		select {
		case <-errCh:
		case <-timeout.C:
			r.logger.Warn("shutdown timed out waiting for supervised tasks")
			return nil
		}
	}
	return nil
}

// Metrics exposes the runtime's Prometheus collector for an external HTTP
// server to register or scrape.
func (r *Runtime) Metrics() *metrics.Collector { return r.metrics }
