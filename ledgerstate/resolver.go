// Package ledgerstate caches state-version metadata lookups so per-
// transaction handling doesn't re-query the gateway for data it already
// implicitly has.
package ledgerstate

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"govvoted/gateway"
)

// Metadata is the ledger metadata anchored to one state version.
type Metadata struct {
	Epoch     int64
	Timestamp time.Time
}

// Resolver looks up and caches state-version metadata.
type Resolver struct {
	gw    gateway.Capability
	cache *lru.Cache[int64, Metadata]
}

// New builds a Resolver backed by a bounded LRU cache of the given size.
func New(gw gateway.Capability, cacheSize int) (*Resolver, error) {
	if gw == nil {
		return nil, fmt.Errorf("ledgerstate: gateway capability is required")
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[int64, Metadata](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("ledgerstate: build cache: %w", err)
	}
	return &Resolver{gw: gw, cache: cache}, nil
}

// Resolve returns the epoch and timestamp anchored to stateVersion, serving
// from cache where possible and falling back to the gateway's ledger-state
// endpoint, queried at atStateVersion = stateVersion, on a miss.
func (r *Resolver) Resolve(ctx context.Context, stateVersion int64) (Metadata, error) {
	if meta, ok := r.cache.Get(stateVersion); ok {
		return meta, nil
	}
	state, err := r.gw.GetLedgerStateAt(ctx, stateVersion)
	if err != nil {
		return Metadata{}, fmt.Errorf("ledgerstate: resolve %d: %w", stateVersion, err)
	}
	meta := Metadata{Epoch: state.Epoch, Timestamp: state.Timestamp}
	r.cache.Add(stateVersion, meta)
	return meta, nil
}
