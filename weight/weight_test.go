package weight

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"govvoted/gateway"
)

type fakeGateway struct {
	gateway.Capability
	balances map[string]decimal.Decimal
	balErr   error
	holdings map[string]struct{}
	holdErr  error
}

func (f *fakeGateway) GetFungibleBalancesAt(ctx context.Context, account string, atVersion int64, resource string) (decimal.Decimal, error) {
	if f.balErr != nil {
		return decimal.Zero, f.balErr
	}
	return f.balances[resource], nil
}

func (f *fakeGateway) GetNonFungibleHoldingsAt(ctx context.Context, account string, atVersion int64, resource string) (map[string]struct{}, error) {
	if f.holdErr != nil {
		return nil, f.holdErr
	}
	return f.holdings, nil
}

func TestStakeFormulaSumsWeightedBalances(t *testing.T) {
	gw := &fakeGateway{balances: map[string]decimal.Decimal{
		"resource.stake": decimal.NewFromInt(100),
	}}
	in := Inputs{
		VoterAccount:          "account_alice",
		AnchoringStateVersion: 10,
		Parameters: Parameters{
			VotingResources: map[string]decimal.Decimal{"resource.stake": decimal.NewFromFloat(1.5)},
		},
	}
	result, err := StakeFormula(context.Background(), gw, in)
	if err != nil {
		t.Fatalf("stake formula: %v", err)
	}
	if !result.Power.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("expected power 150, got %s", result.Power)
	}
}

func TestStakeFormulaTreatsPermanentNotFoundAsZero(t *testing.T) {
	gw := &fakeGateway{balErr: &gateway.PermanentError{Err: errors.New("entity not found")}}
	in := Inputs{Parameters: Parameters{VotingResources: map[string]decimal.Decimal{"resource.stake": decimal.NewFromInt(1)}}}
	result, err := StakeFormula(context.Background(), gw, in)
	if err != nil {
		t.Fatalf("stake formula: %v", err)
	}
	if !result.Power.IsZero() {
		t.Fatalf("expected zero power, got %s", result.Power)
	}
}

func TestStakeFormulaPropagatesTransientError(t *testing.T) {
	gw := &fakeGateway{balErr: &gateway.TransientError{Err: errors.New("timeout")}}
	in := Inputs{Parameters: Parameters{VotingResources: map[string]decimal.Decimal{"resource.stake": decimal.NewFromInt(1)}}}
	_, err := StakeFormula(context.Background(), gw, in)
	if err == nil {
		t.Fatalf("expected error to propagate")
	}
}

func TestBadgeFormulaNoHoldingsIsZero(t *testing.T) {
	gw := &fakeGateway{holdings: map[string]struct{}{}}
	in := Inputs{Parameters: Parameters{BadgeResource: "resource.badge", BadgeWeight: decimal.NewFromInt(10)}}
	result, err := BadgeFormula(context.Background(), gw, in)
	if err != nil {
		t.Fatalf("badge formula: %v", err)
	}
	if !result.Power.IsZero() {
		t.Fatalf("expected zero power, got %s", result.Power)
	}
}

func TestBadgeFormulaHoldingGrantsWeight(t *testing.T) {
	gw := &fakeGateway{holdings: map[string]struct{}{"#1#": {}}}
	in := Inputs{Parameters: Parameters{BadgeResource: "resource.badge", BadgeWeight: decimal.NewFromInt(10)}}
	result, err := BadgeFormula(context.Background(), gw, in)
	if err != nil {
		t.Fatalf("badge formula: %v", err)
	}
	if !result.Power.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected power 10, got %s", result.Power)
	}
}

func TestCalculatorComputeConvertsTransientToPending(t *testing.T) {
	gw := &fakeGateway{balErr: &gateway.TransientError{Err: errors.New("timeout")}}
	calc, err := New(gw, StakeFormula, 1)
	if err != nil {
		t.Fatalf("new calculator: %v", err)
	}
	in := Inputs{Parameters: Parameters{VotingResources: map[string]decimal.Decimal{"resource.stake": decimal.NewFromInt(1)}}}
	result, err := calc.Compute(context.Background(), in)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !result.Pending {
		t.Fatalf("expected a pending result for a transient gateway failure")
	}
}

func TestParametersFromRawParsesAllFields(t *testing.T) {
	raw := map[string]string{
		"stakeWeight":     "2",
		"badgeWeight":     "5",
		"badgeResource":   "resource.badge",
		"votingResources": `{"resource.stake":"1.5","resource.other":"0.25"}`,
	}
	p, err := ParametersFromRaw(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !p.StakeWeight.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected stake weight 2, got %s", p.StakeWeight)
	}
	if !p.BadgeWeight.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected badge weight 5, got %s", p.BadgeWeight)
	}
	if p.BadgeResource != "resource.badge" {
		t.Fatalf("expected badge resource, got %q", p.BadgeResource)
	}
	if len(p.VotingResources) != 2 {
		t.Fatalf("expected 2 voting resources, got %d", len(p.VotingResources))
	}
	if !p.VotingResources["resource.stake"].Equal(decimal.NewFromFloat(1.5)) {
		t.Fatalf("expected resource.stake weight 1.5, got %s", p.VotingResources["resource.stake"])
	}
}

func TestParametersFromRawEmptyMapYieldsZeroValue(t *testing.T) {
	p, err := ParametersFromRaw(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !p.StakeWeight.IsZero() || !p.BadgeWeight.IsZero() || p.BadgeResource != "" || len(p.VotingResources) != 0 {
		t.Fatalf("expected zero-value parameters, got %+v", p)
	}
}

func TestParametersFromRawRejectsMalformedDecimal(t *testing.T) {
	_, err := ParametersFromRaw(map[string]string{"stakeWeight": "not-a-number"})
	if err == nil {
		t.Fatalf("expected an error for a malformed stakeWeight")
	}
}

func TestCompositeFormulaCombinesStakeAndBadge(t *testing.T) {
	gw := &fakeGateway{
		balances: map[string]decimal.Decimal{"resource.stake": decimal.NewFromInt(10)},
		holdings: map[string]struct{}{"#1#": {}},
	}
	in := Inputs{Parameters: Parameters{
		VotingResources: map[string]decimal.Decimal{"resource.stake": decimal.NewFromInt(1)},
		StakeWeight:     decimal.NewFromInt(2),
		BadgeResource:   "resource.badge",
		BadgeWeight:     decimal.NewFromInt(5),
	}}
	result, err := CompositeFormula(context.Background(), gw, in)
	if err != nil {
		t.Fatalf("composite formula: %v", err)
	}
	if !result.Power.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("expected power 25 (10*2 + 5), got %s", result.Power)
	}
}
