// Package weight computes a voter's voting power as a pure, replayable
// function of (voter account, anchoring state version, governance
// parameters, gateway queries).
package weight

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"govvoted/gateway"
)

// Inputs bundles everything a Formula needs to compute one voter's power.
// It carries no gateway handle of its own — formulas receive the gateway
// explicitly — which is what keeps Formula a pure function of its
// arguments rather than a method on stateful state.
type Inputs struct {
	VoterAccount          string
	AnchoringStateVersion int64
	Parameters            Parameters
}

// Parameters is the subset of governance configuration a Formula may read.
// ParametersFromRaw builds it from the ParametersChanged action's Raw map.
type Parameters struct {
	VotingResources map[string]decimal.Decimal // resourceAddress -> per-unit weight
	BadgeResource   string
	StakeWeight     decimal.Decimal
	BadgeWeight     decimal.Decimal
}

// Result is the outcome of one weight computation.
type Result struct {
	// Power is meaningful only when Pending is false.
	Power decimal.Decimal
	// Pending indicates the power could not be determined inline; the
	// caller must persist the vote with votingPowerPending=true and
	// enqueue a RecomputeTrigger. Pending is not an error.
	Pending bool
	// Reason annotates a determinate Weight(0) outcome, e.g. "account not found".
	Reason string
}

// Formula is a pure function from (gateway, inputs) to a weight Result. It
// must be safe to call concurrently and must not retain state between
// calls, so that a trigger recompute produces the same answer as the
// original inline attempt.
type Formula func(ctx context.Context, gw gateway.Capability, in Inputs) (Result, error)

// Calculator wraps a Formula with the bounded-concurrency contract the
// weight calculator must provide: in-flight gateway queries are capped by a
// semaphore the formula holds across its full traversal, including any
// paginated key-value-store reads.
type Calculator struct {
	gw      gateway.Capability
	formula Formula
	sem     *semaphore.Weighted
}

// New builds a Calculator. concurrency bounds how many Compute calls
// (inline or trigger-driven) may run at once across all callers; each call
// holds one slot for its whole formula traversal.
func New(gw gateway.Capability, formula Formula, concurrency int) (*Calculator, error) {
	if gw == nil {
		return nil, fmt.Errorf("weight: gateway capability is required")
	}
	if formula == nil {
		return nil, fmt.Errorf("weight: formula is required")
	}
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Calculator{gw: gw, formula: formula, sem: semaphore.NewWeighted(int64(concurrency))}, nil
}

// Semaphore exposes the calculator's bounded-concurrency gate so a formula
// can acquire additional slots for its own internal fan-out (e.g. paginated
// key-value-store traversal) without exceeding the configured ceiling.
func (c *Calculator) Semaphore() *semaphore.Weighted { return c.sem }

// Compute runs the configured Formula for one voter, acquiring a slot on
// the calculator's bounded semaphore for the duration of the call.
//
// Recoverable transient gateway failures surface as Result{Pending: true},
// never as an error. A non-nil error here means the formula itself failed
// in a way that is not recoverable by retrying — callers should treat that
// the same as a permanent gateway error.
func (c *Calculator) Compute(ctx context.Context, in Inputs) (Result, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("weight: acquire semaphore: %w", err)
	}
	defer c.sem.Release(1)

	result, err := c.formula(ctx, c.gw, in)
	if err != nil {
		if gateway.IsTransient(err) {
			return Result{Pending: true}, nil
		}
		return Result{}, fmt.Errorf("weight: compute: %w", err)
	}
	return result, nil
}
