package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"govvoted/cursor"
	"govvoted/dedup"
	"govvoted/events"
	"govvoted/gateway"
	"govvoted/metrics"
	"govvoted/snapshot"
	"govvoted/txhandler"
	"govvoted/weight"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := cursor.AutoMigrate(db); err != nil {
		t.Fatalf("migrate cursor: %v", err)
	}
	if err := dedup.AutoMigrate(db); err != nil {
		t.Fatalf("migrate dedup: %v", err)
	}
	if err := snapshot.AutoMigrate(db); err != nil {
		t.Fatalf("migrate snapshot: %v", err)
	}
	return db
}

// stubGateway serves one fixed page of transactions, then empty pages
// forever, so Run's poll loop can be exercised and then cancelled.
type stubGateway struct {
	gateway.Capability
	page gateway.Page
	once bool
}

func (s *stubGateway) StreamCommittedTransactions(ctx context.Context, opts gateway.StreamOptions) (gateway.Page, error) {
	if !s.once {
		s.once = true
		return s.page, nil
	}
	return gateway.Page{}, nil
}

func (s *stubGateway) GetFungibleBalancesAt(ctx context.Context, account string, atVersion int64, resource string) (decimal.Decimal, error) {
	return decimal.NewFromInt(10), nil
}

func TestRunProcessesOnePageThenIdles(t *testing.T) {
	db := setupTestDB(t)
	e := snapshot.New()
	if err := db.Transaction(func(tx *gorm.DB) error {
		return e.ApplyPollCreated(tx, snapshot.ProposalFields{
			ID: 1, Kind: snapshot.PollKindProposal,
			VoteOptions: []snapshot.VoteOption{{OptionID: "yes"}}, MaxSelections: 1,
		})
	}); err != nil {
		t.Fatalf("create poll: %v", err)
	}

	voteEvent := gateway.Event{
		EmitterAddress: "component_gov", BlueprintName: "GovernanceComponent", EventName: "VoteCastEvent",
		Payload: mustMarshal(t, events.VoteCast{PollKind: events.PollKindProposal, PollID: 1, Voter: "account_alice", Selections: []string{"yes"}, PollVersion: 5}),
	}
	gw := &stubGateway{page: gateway.Page{Items: []gateway.Transaction{
		{StateVersion: 5, IntentHash: "tx-1", Events: []gateway.Event{voteEvent}},
	}}}

	calc, err := weight.New(gw, weight.StakeFormula, 2)
	if err != nil {
		t.Fatalf("new calculator: %v", err)
	}
	decoder := events.New("component_gov", nil, events.DefaultRegistry())
	dedupBuf, err := dedup.New(100)
	if err != nil {
		t.Fatalf("new dedup buffer: %v", err)
	}
	handler := txhandler.New(db, decoder, calc, e, dedupBuf, nil, metrics.NewForRegistry(nil))

	paramsLoader := func(ctx context.Context) (txhandler.Parameters, error) {
		return txhandler.Parameters{Weight: weight.Parameters{VotingResources: map[string]decimal.Decimal{"resource.stake": decimal.NewFromInt(1)}}}, nil
	}

	l := New(gw, db, handler, e, paramsLoader, Config{WaitTime: 20 * time.Millisecond}, nil, metrics.NewForRegistry(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = l.Run(ctx, 5)
	if err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	v, err := cursor.Read(db)
	if err != nil {
		t.Fatalf("read cursor: %v", err)
	}
	if v != 5 {
		t.Fatalf("expected cursor 5, got %d", v)
	}
}

// TestRunRejectsOutOfOrderPage exercises assertAscending's contract check: a
// page whose items are not strictly ascending by state version must stop
// the listener rather than let the cursor advance past a gap or a
// regression.
func TestRunRejectsOutOfOrderPage(t *testing.T) {
	db := setupTestDB(t)
	e := snapshot.New()

	gw := &stubGateway{page: gateway.Page{Items: []gateway.Transaction{
		{StateVersion: 5, IntentHash: "tx-1"},
		{StateVersion: 3, IntentHash: "tx-2"},
	}}}

	calc, err := weight.New(gw, weight.StakeFormula, 2)
	if err != nil {
		t.Fatalf("new calculator: %v", err)
	}
	decoder := events.New("component_gov", nil, events.DefaultRegistry())
	dedupBuf, err := dedup.New(100)
	if err != nil {
		t.Fatalf("new dedup buffer: %v", err)
	}
	handler := txhandler.New(db, decoder, calc, e, dedupBuf, nil, metrics.NewForRegistry(nil))

	paramsLoader := func(ctx context.Context) (txhandler.Parameters, error) {
		return txhandler.Parameters{}, nil
	}

	l := New(gw, db, handler, e, paramsLoader, Config{WaitTime: 20 * time.Millisecond}, nil, metrics.NewForRegistry(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = l.Run(ctx, 1)
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected an out-of-order rejection error, got %v", err)
	}

	v, err := cursor.Read(db)
	if err != nil {
		t.Fatalf("read cursor: %v", err)
	}
	if v != 0 {
		t.Fatalf("expected the cursor to stay at 0 after a rejected page, got %d", v)
	}
}

// TestRunRecoversAfterCrashMidPage simulates a process that prepared (but
// never committed) one transaction of a page before dying. Nothing durable
// was written during that Prepare, so a fresh Listener.Run starting from
// the still-unmoved persisted cursor must reprocess the whole page and land
// on exactly the state a single uninterrupted run would have produced — no
// lost and no duplicated votes.
func TestRunRecoversAfterCrashMidPage(t *testing.T) {
	db := setupTestDB(t)
	e := snapshot.New()
	if err := db.Transaction(func(tx *gorm.DB) error {
		return e.ApplyPollCreated(tx, snapshot.ProposalFields{
			ID: 1, Kind: snapshot.PollKindProposal,
			VoteOptions: []snapshot.VoteOption{{OptionID: "yes"}}, MaxSelections: 1,
		})
	}); err != nil {
		t.Fatalf("create poll: %v", err)
	}

	items := []gateway.Transaction{
		{StateVersion: 5, IntentHash: "tx-1", Events: []gateway.Event{{
			EmitterAddress: "component_gov", BlueprintName: "GovernanceComponent", EventName: "VoteCastEvent",
			Payload: mustMarshal(t, events.VoteCast{PollKind: events.PollKindProposal, PollID: 1, Voter: "account_alice", Selections: []string{"yes"}, PollVersion: 5}),
		}}},
		{StateVersion: 10, IntentHash: "tx-2", Events: []gateway.Event{{
			EmitterAddress: "component_gov", BlueprintName: "GovernanceComponent", EventName: "VoteCastEvent",
			Payload: mustMarshal(t, events.VoteCast{PollKind: events.PollKindProposal, PollID: 1, Voter: "account_bob", Selections: []string{"yes"}, PollVersion: 10}),
		}}},
	}

	paramsLoader := func(ctx context.Context) (txhandler.Parameters, error) {
		return txhandler.Parameters{Weight: weight.Parameters{VotingResources: map[string]decimal.Decimal{"resource.stake": decimal.NewFromInt(1)}}}, nil
	}

	// First process: a Prepare for the page's first item completes (its
	// result is never committed — representing a crash right after), then
	// the process "dies" and its in-memory state (including that Prepared
	// value and the dedup buffer's cache) is discarded.
	crashedGW := &stubGateway{}
	crashedDedup, err := dedup.New(100)
	if err != nil {
		t.Fatalf("new dedup buffer: %v", err)
	}
	crashedCalc, err := weight.New(crashedGW, weight.StakeFormula, 2)
	if err != nil {
		t.Fatalf("new calculator: %v", err)
	}
	crashedHandler := txhandler.New(db, events.New("component_gov", nil, events.DefaultRegistry()), crashedCalc, e, crashedDedup, nil, metrics.NewForRegistry(nil))
	params, err := paramsLoader(context.Background())
	if err != nil {
		t.Fatalf("load params: %v", err)
	}
	if _, err := crashedHandler.Prepare(context.Background(), params, items[0]); err != nil {
		t.Fatalf("prepare before crash: %v", err)
	}

	v, err := cursor.Read(db)
	if err != nil {
		t.Fatalf("read cursor: %v", err)
	}
	if v != 0 {
		t.Fatalf("expected cursor to still be 0 before any commit, got %d", v)
	}

	// Restart: a fresh Listener, handler, and dedup buffer resume from the
	// persisted cursor and see the whole page again.
	gw := &stubGateway{page: gateway.Page{Items: items}}
	calc, err := weight.New(gw, weight.StakeFormula, 2)
	if err != nil {
		t.Fatalf("new calculator: %v", err)
	}
	decoder := events.New("component_gov", nil, events.DefaultRegistry())
	dedupBuf, err := dedup.New(100)
	if err != nil {
		t.Fatalf("new dedup buffer: %v", err)
	}
	handler := txhandler.New(db, decoder, calc, e, dedupBuf, nil, metrics.NewForRegistry(nil))

	l := New(gw, db, handler, e, paramsLoader, Config{WaitTime: 20 * time.Millisecond}, nil, metrics.NewForRegistry(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := l.Run(ctx, 1); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	v, err = cursor.Read(db)
	if err != nil {
		t.Fatalf("read cursor: %v", err)
	}
	if v != 10 {
		t.Fatalf("expected cursor 10 after recovery, got %d", v)
	}

	for _, voter := range []string{"account_alice", "account_bob"} {
		var record snapshot.VoteRecord
		if err := db.First(&record, "poll_id = ? AND poll_kind = ? AND voter_account = ?", 1, snapshot.PollKindProposal, voter).Error; err != nil {
			t.Fatalf("load vote record for %s: %v", voter, err)
		}
		if !record.VotingPower.Equal(decimal.NewFromInt(10)) {
			t.Fatalf("expected voting power 10 for %s, got %s", voter, record.VotingPower)
		}
	}

	var tally snapshot.VoteTally
	if err := db.First(&tally, "poll_id = ? AND poll_kind = ? AND option_id = ?", 1, snapshot.PollKindProposal, "yes").Error; err != nil {
		t.Fatalf("load tally: %v", err)
	}
	if !tally.VotingPower.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected tally to reflect exactly one vote per voter (20 total), got %s", tally.VotingPower)
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
