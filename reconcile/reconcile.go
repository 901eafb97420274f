// Package reconcile chooses a correct starting state version for the
// Listener at process start, and primes the Dedup Buffer from durable
// state.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"govvoted/cursor"
	"govvoted/dedup"
	"govvoted/gateway"
	"govvoted/snapshot"
)

// Reconciler implements Startup Reconciliation.
type Reconciler struct {
	db                 *gorm.DB
	gw                 gateway.Capability
	componentAddress   string
	dedupBuffer        *dedup.Buffer
}

// New builds a Reconciler.
func New(db *gorm.DB, gw gateway.Capability, componentAddress string, dedupBuffer *dedup.Buffer) (*Reconciler, error) {
	if db == nil {
		return nil, fmt.Errorf("reconcile: database handle is required")
	}
	if gw == nil {
		return nil, fmt.Errorf("reconcile: gateway capability is required")
	}
	if dedupBuffer == nil {
		return nil, fmt.Errorf("reconcile: dedup buffer is required")
	}
	return &Reconciler{db: db, gw: gw, componentAddress: componentAddress, dedupBuffer: dedupBuffer}, nil
}

// Run executes the Startup Reconciliation algorithm and returns the state
// version the Listener should resume from.
func (r *Reconciler) Run(ctx context.Context) (int64, error) {
	persistedCursor, err := cursor.Read(r.db)
	if err != nil {
		return 0, fmt.Errorf("reconcile: read cursor: %w", err)
	}

	currentState, err := r.gw.GetCurrentLedgerState(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile: get current ledger state: %w", err)
	}
	componentState, err := r.gw.GetComponentStateAt(ctx, r.componentAddress, currentState.StateVersion)
	if err != nil {
		return 0, fmt.Errorf("reconcile: get component state: %w", err)
	}

	firstRelevant, err := r.firstRelevantVersion(componentState)
	if err != nil {
		return 0, err
	}

	resumeFrom := persistedCursor + 1
	if firstRelevant > resumeFrom {
		resumeFrom = firstRelevant
	}
	ceiling := componentState.StateVersion + 1
	if resumeFrom > ceiling {
		resumeFrom = ceiling
	}

	if err := r.dedupBuffer.Rehydrate(r.db); err != nil {
		return 0, fmt.Errorf("reconcile: rehydrate dedup buffer: %w", err)
	}

	return resumeFrom, nil
}

// firstRelevantVersion returns the cached component-creation state version,
// deriving and caching it from the gateway on first startup.
func (r *Reconciler) firstRelevantVersion(componentState gateway.ComponentState) (int64, error) {
	var checkpoint snapshot.ComponentCheckpoint
	err := r.db.First(&checkpoint, snapshot.ComponentCheckpointSingletonID).Error
	if err == nil {
		return checkpoint.FirstRelevantVersion, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("reconcile: load component checkpoint: %w", err)
	}

	checkpoint = snapshot.ComponentCheckpoint{
		ID:                   snapshot.ComponentCheckpointSingletonID,
		FirstRelevantVersion: componentState.FirstRelevantVersion,
	}
	if err := r.db.Create(&checkpoint).Error; err != nil {
		return 0, fmt.Errorf("reconcile: cache component checkpoint: %w", err)
	}
	return checkpoint.FirstRelevantVersion, nil
}
