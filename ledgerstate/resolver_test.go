package ledgerstate

import (
	"context"
	"testing"
	"time"

	"govvoted/gateway"
)

type countingGateway struct {
	gateway.Capability
	calls         int
	state         gateway.LedgerState
	lastAtVersion int64
}

func (g *countingGateway) GetLedgerStateAt(ctx context.Context, atStateVersion int64) (gateway.LedgerState, error) {
	g.calls++
	g.lastAtVersion = atStateVersion
	return g.state, nil
}

func TestResolveCachesAcrossCalls(t *testing.T) {
	now := time.Now()
	gw := &countingGateway{state: gateway.LedgerState{Epoch: 9, Timestamp: now}}
	r, err := New(gw, 16)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	meta, err := r.Resolve(context.Background(), 100)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if meta.Epoch != 9 {
		t.Fatalf("expected epoch 9, got %d", meta.Epoch)
	}

	if _, err := r.Resolve(context.Background(), 100); err != nil {
		t.Fatalf("resolve (cached): %v", err)
	}
	if gw.calls != 1 {
		t.Fatalf("expected exactly 1 gateway call for a cached state version, got %d", gw.calls)
	}
}

func TestResolveMissesForDistinctStateVersions(t *testing.T) {
	gw := &countingGateway{state: gateway.LedgerState{Epoch: 1}}
	r, err := New(gw, 16)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	if _, err := r.Resolve(context.Background(), 1); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := r.Resolve(context.Background(), 2); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if gw.calls != 2 {
		t.Fatalf("expected 2 gateway calls for 2 distinct state versions, got %d", gw.calls)
	}
}

func TestResolvePassesStateVersionToGateway(t *testing.T) {
	gw := &countingGateway{state: gateway.LedgerState{Epoch: 3}}
	r, err := New(gw, 16)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	if _, err := r.Resolve(context.Background(), 42); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if gw.lastAtVersion != 42 {
		t.Fatalf("expected the resolver to query atStateVersion=42, got %d", gw.lastAtVersion)
	}
}

func TestNewRejectsNilGateway(t *testing.T) {
	if _, err := New(nil, 16); err == nil {
		t.Fatalf("expected an error for a nil gateway capability")
	}
}
