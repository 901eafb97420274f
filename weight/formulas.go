package weight

import (
	"context"

	"github.com/shopspring/decimal"

	"govvoted/gateway"
)

// StakeFormula sums the voter's holdings of each configured voting resource
// at the anchoring state version, scaled by that resource's per-unit
// weight. A permanent not-found result is treated as a determinate zero
// balance, not a pending outcome — the voter simply holds none of that
// resource.
func StakeFormula(ctx context.Context, gw gateway.Capability, in Inputs) (Result, error) {
	total := decimal.Zero
	for resource, weight := range in.Parameters.VotingResources {
		balance, err := gw.GetFungibleBalancesAt(ctx, in.VoterAccount, in.AnchoringStateVersion, resource)
		if err != nil {
			if gateway.IsPermanent(err) {
				continue
			}
			return Result{}, err
		}
		total = total.Add(balance.Mul(weight))
	}
	return Result{Power: total}, nil
}

// BadgeFormula reports the configured badge weight if the voter holds the
// configured badge resource at the anchoring state version, or zero
// otherwise.
func BadgeFormula(ctx context.Context, gw gateway.Capability, in Inputs) (Result, error) {
	if in.Parameters.BadgeResource == "" {
		return Result{Power: decimal.Zero, Reason: "no badge resource configured"}, nil
	}
	holdings, err := gw.GetNonFungibleHoldingsAt(ctx, in.VoterAccount, in.AnchoringStateVersion, in.Parameters.BadgeResource)
	if err != nil {
		if gateway.IsPermanent(err) {
			return Result{Power: decimal.Zero, Reason: "voter account not found"}, nil
		}
		return Result{}, err
	}
	if len(holdings) == 0 {
		return Result{Power: decimal.Zero, Reason: "badge not held"}, nil
	}
	return Result{Power: in.Parameters.BadgeWeight}, nil
}

// CompositeFormula linearly combines the stake and badge formulas using the
// weights carried on Parameters.
func CompositeFormula(ctx context.Context, gw gateway.Capability, in Inputs) (Result, error) {
	stake, err := StakeFormula(ctx, gw, in)
	if err != nil {
		return Result{}, err
	}
	if stake.Pending {
		return stake, nil
	}
	badge, err := BadgeFormula(ctx, gw, in)
	if err != nil {
		return Result{}, err
	}
	if badge.Pending {
		return badge, nil
	}
	total := stake.Power.Mul(in.Parameters.StakeWeight).Add(badge.Power)
	return Result{Power: total}, nil
}
