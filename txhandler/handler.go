// Package txhandler processes exactly one committed transaction to its
// terminal state: weight calculation happens outside any database
// transaction (it may involve long gateway round-trips), then dedup
// reservation, action application, and cursor advance all commit together
// in a single database transaction.
package txhandler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"govvoted/cursor"
	"govvoted/dedup"
	"govvoted/events"
	"govvoted/gateway"
	"govvoted/ledgerstate"
	"govvoted/metrics"
	"govvoted/snapshot"
	"govvoted/weight"
)

// PermanentError wraps a failure that will not succeed on retry; the
// Listener dead-letters the transaction after surfacing it.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "txhandler: permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Handler processes one committed transaction per Process call.
type Handler struct {
	db         *gorm.DB
	decoder    *events.Decoder
	calculator *weight.Calculator
	engine     *snapshot.Engine
	dedupBuf   *dedup.Buffer
	resolver   *ledgerstate.Resolver
	metrics    *metrics.Collector
}

// New builds a Handler. resolver supplies the ledger timestamp anchored to
// each transaction's state version, used to stamp the polls/votes it
// materializes so a replay persists the same timestamps regardless of when
// the replay runs; it may be nil, in which case those rows fall back to
// wall-clock time.
func New(db *gorm.DB, decoder *events.Decoder, calculator *weight.Calculator, engine *snapshot.Engine, dedupBuf *dedup.Buffer, resolver *ledgerstate.Resolver, m *metrics.Collector) *Handler {
	if m == nil {
		m = metrics.Default()
	}
	return &Handler{db: db, decoder: decoder, calculator: calculator, engine: engine, dedupBuf: dedupBuf, resolver: resolver, metrics: m}
}

// preparedVote is a VoteCast/VoteChanged action paired with its
// pre-computed weight.Result, decided before the database transaction
// opens.
type preparedVote struct {
	pollKind    snapshot.PollKind
	pollID      int64
	voter       string
	selections  []string
	pollVersion int64
	power       decimal.Decimal
	pending     bool
}

// Prepared is the outcome of decoding one transaction and computing weights
// for every vote action it contains. It carries no open database handle and
// is safe to build concurrently with other transactions' Prepared values —
// only Commit must run in strict per-transaction order.
type Prepared struct {
	tx         gateway.Transaction
	decoded    events.Result
	votes      []preparedVote
	anchoredAt time.Time // ledger timestamp at tx.StateVersion, resolved outside the DB transaction
	skipped    bool      // true when the in-memory dedup cache already flagged this as seen
}

// Prepare decodes tx's events and computes weights for any vote actions,
// entirely outside of a database transaction — weight calculation may
// involve long gateway round-trips and must never hold a DB transaction
// open. Safe to call concurrently for different transactions; callers must
// still Commit in ascending state-version order.
func (h *Handler) Prepare(ctx context.Context, params Parameters, tx gateway.Transaction) (Prepared, error) {
	if hit, rehydrated := h.dedupBuf.Seen(tx.IntentHash); hit && rehydrated {
		return Prepared{tx: tx, skipped: true}, nil
	}
	return h.prepareDecoded(ctx, params, tx)
}

// prepareDecoded does the decode-and-weigh work of Prepare without
// consulting the in-memory dedup cache first. commitDuplicate uses it to
// recover a transaction Prepare skipped on a since-proven-stale cache hit.
func (h *Handler) prepareDecoded(ctx context.Context, params Parameters, tx gateway.Transaction) (Prepared, error) {
	decoded, err := h.decoder.Decode(tx)
	if err != nil {
		return Prepared{}, &PermanentError{Err: fmt.Errorf("decode transaction %s: %w", tx.IntentHash, err)}
	}

	var anchoredAt time.Time
	if h.resolver != nil {
		meta, err := h.resolver.Resolve(ctx, tx.StateVersion)
		if err != nil {
			return Prepared{}, fmt.Errorf("resolve ledger state for %s: %w", tx.IntentHash, err)
		}
		anchoredAt = meta.Timestamp
	}

	votes := make([]preparedVote, 0, len(decoded.Actions))
	for _, action := range decoded.Actions {
		switch action.Kind {
		case events.ActionVoteCast:
			v := action.VoteCast
			pv, err := h.prepareVote(ctx, params, string(v.PollKind), v.PollID, v.Voter, v.Selections, v.PollVersion)
			if err != nil {
				return Prepared{}, err
			}
			votes = append(votes, pv)
		case events.ActionVoteChanged:
			v := action.VoteChanged
			pv, err := h.prepareVote(ctx, params, string(v.PollKind), v.PollID, v.Voter, v.NewSelections, v.PollVersion)
			if err != nil {
				return Prepared{}, err
			}
			votes = append(votes, pv)
		}
	}

	return Prepared{tx: tx, decoded: decoded, votes: votes, anchoredAt: anchoredAt}, nil
}

// Commit applies a Prepared transaction: dedup reservation, action
// application using the weights computed by Prepare, and cursor advance,
// all within one database transaction. Callers must invoke Commit for a
// page's transactions strictly in ascending state-version order — no
// transaction at version V may commit before every transaction at a lower
// version in the same page has committed or been dead-lettered.
func (h *Handler) Commit(ctx context.Context, params Parameters, p Prepared) error {
	if p.skipped {
		return h.commitDuplicate(ctx, params, p.tx)
	}

	preparedIdx := 0
	err := h.db.Transaction(func(txn *gorm.DB) error {
		reserved, err := h.dedupBuf.TryReserve(txn, p.tx.IntentHash)
		if err != nil {
			return fmt.Errorf("dedup reserve: %w", err)
		}
		if !reserved {
			h.metrics.DedupHits.Inc()
			return advancePast(txn, p.tx.StateVersion)
		}

		for _, action := range p.decoded.Actions {
			if err := h.applyAction(txn, action, &preparedIdx, p.votes, p.anchoredAt); err != nil {
				return err
			}
		}
		return cursor.AdvanceTo(txn, p.tx.StateVersion)
	})
	if err != nil {
		if errors.Is(err, snapshot.ErrInvariantViolated) {
			return &PermanentError{Err: err}
		}
		return err
	}

	h.metrics.ListenerTransactionsProcessed.Inc()
	h.metrics.CursorStateVersion.Set(float64(p.tx.StateVersion))
	return nil
}

// Process prepares and commits tx in sequence. It is a convenience wrapper
// over Prepare+Commit for callers (tests, the Trigger Consumer's
// neighbors) that don't need cross-transaction concurrency.
func (h *Handler) Process(ctx context.Context, params Parameters, tx gateway.Transaction) error {
	prepared, err := h.Prepare(ctx, params, tx)
	if err != nil {
		return err
	}
	return h.Commit(ctx, params, prepared)
}

// commitDuplicate handles a Prepared value Prepare skipped on an in-memory
// dedup hit. TryReserve against the durable table is the authoritative
// check: if it agrees the transaction was already processed, only the
// cursor needs to advance. If the cache hit turns out to have been stale
// (e.g. an eviction followed by a replay, so the durable table has no
// record of it), tx was never decoded, and no later commit will ever see
// it again — so it must be decoded, weighed, and applied right here,
// before the cursor advances past it for good.
func (h *Handler) commitDuplicate(ctx context.Context, params Parameters, tx gateway.Transaction) error {
	var staleHit bool
	preparedIdx := 0
	err := h.db.Transaction(func(txn *gorm.DB) error {
		reserved, err := h.dedupBuf.TryReserve(txn, tx.IntentHash)
		if err != nil {
			return err
		}
		if !reserved {
			h.metrics.DedupHits.Inc()
			return advancePast(txn, tx.StateVersion)
		}

		staleHit = true
		fresh, err := h.prepareDecoded(ctx, params, tx)
		if err != nil {
			return err
		}
		for _, action := range fresh.decoded.Actions {
			if err := h.applyAction(txn, action, &preparedIdx, fresh.votes, fresh.anchoredAt); err != nil {
				return err
			}
		}
		return cursor.AdvanceTo(txn, tx.StateVersion)
	})
	if err != nil {
		if errors.Is(err, snapshot.ErrInvariantViolated) {
			return &PermanentError{Err: err}
		}
		return err
	}
	if staleHit {
		h.metrics.ListenerTransactionsProcessed.Inc()
	}
	h.metrics.CursorStateVersion.Set(float64(tx.StateVersion))
	return nil
}

// advancePast moves the cursor to v unless it already stands at or beyond v,
// as it does when a duplicate of an already-committed transaction is
// replayed.
func advancePast(txn *gorm.DB, v int64) error {
	current, err := cursor.Read(txn)
	if err != nil {
		return err
	}
	if v <= current {
		return nil
	}
	return cursor.AdvanceTo(txn, v)
}

func (h *Handler) prepareVote(ctx context.Context, params Parameters, pollKind string, pollID int64, voter string, selections []string, pollVersion int64) (preparedVote, error) {
	result, err := h.calculator.Compute(ctx, weight.Inputs{
		VoterAccount:          voter,
		AnchoringStateVersion: pollVersion,
		Parameters:            params.Weight,
	})
	if err != nil {
		h.metrics.WeightFailedCount.Inc()
		return preparedVote{}, &PermanentError{Err: fmt.Errorf("compute weight for %s: %w", voter, err)}
	}
	if result.Pending {
		h.metrics.WeightPendingCount.Inc()
	} else {
		h.metrics.WeightCompletedCount.Inc()
	}
	return preparedVote{
		pollKind:    snapshot.PollKind(pollKind),
		pollID:      pollID,
		voter:       voter,
		selections:  selections,
		pollVersion: pollVersion,
		power:       result.Power,
		pending:     result.Pending,
	}, nil
}

func (h *Handler) applyAction(txn *gorm.DB, action events.Action, preparedIdx *int, prepared []preparedVote, anchoredAt time.Time) error {
	switch action.Kind {
	case events.ActionProposalCreated:
		v := action.ProposalCreated
		return h.engine.ApplyPollCreated(txn, snapshot.ProposalFields{
			ID:                v.ID,
			Kind:              snapshot.PollKindProposal,
			Title:             v.Title,
			ShortDescription:  v.ShortDescription,
			Description:       v.Description,
			VoteOptions:       convertOptions(v.VoteOptions),
			MaxSelections:     v.MaxSelections,
			StartVersion:      v.StartVersion,
			EndVersion:        v.EndVersion,
			Quorum:            parseDecimal(v.Quorum),
			ApprovalThreshold: parseDecimal(v.ApprovalThreshold),
			VoterKVSAddress:   v.VoterKVSAddress,
			VoteKVSAddress:    v.VoteKVSAddress,
			At:                anchoredAt,
		})
	case events.ActionTemperatureCheckCreated:
		v := action.TemperatureCheckCreated
		return h.engine.ApplyPollCreated(txn, snapshot.ProposalFields{
			ID:               v.ID,
			Kind:             snapshot.PollKindTemperatureCheck,
			Title:            v.Title,
			ShortDescription: v.ShortDescription,
			Description:      v.Description,
			VoteOptions:      convertOptions(v.VoteOptions),
			MaxSelections:    1,
			StartVersion:     v.StartVersion,
			EndVersion:       v.EndVersion,
			VoterKVSAddress:  v.VoterKVSAddress,
			VoteKVSAddress:   v.VoteKVSAddress,
			At:               anchoredAt,
		})
	case events.ActionVoteCast, events.ActionVoteChanged:
		pv := prepared[*preparedIdx]
		*preparedIdx++
		if err := h.engine.ApplyVoteCast(txn, snapshot.ApplyVoteCastParams{
			PollKind:    pv.pollKind,
			PollID:      pv.pollID,
			Voter:       pv.voter,
			Selections:  pv.selections,
			PollVersion: pv.pollVersion,
			VotingPower: pv.power,
			Pending:     pv.pending,
			At:          anchoredAt,
		}); err != nil {
			return err
		}
		if pv.pending {
			return h.engine.InsertRecomputeTrigger(txn, pv.voter, pv.pollKind, pv.pollID, pv.pollVersion)
		}
		return nil
	case events.ActionVoteRevoked:
		// The spec notes VoteRevoked is emitted only "if the on-chain
		// design emits one"; no deployed governance component in scope
		// does, so there is nothing further to apply here beyond
		// counting it as handled.
		return nil
	case events.ActionHiddenToggled:
		v := action.HiddenToggled
		return h.engine.ApplyHiddenToggled(txn, snapshot.PollKind(v.PollKind), v.PollID, v.Hidden)
	case events.ActionParametersChanged:
		v := action.ParametersChanged
		return h.engine.ApplyParametersChanged(txn, parseDecimal(v.QuorumDefault), parseDecimal(v.ApprovalThresholdDefault), v.Raw)
	case events.ActionProposalPromoted:
		v := action.ProposalPromoted
		return h.engine.ApplyProposalPromoted(txn, v.FromTemperatureCheckID, v.ToProposalID)
	default:
		return nil
	}
}

func convertOptions(opts []events.VoteOption) []snapshot.VoteOption {
	out := make([]snapshot.VoteOption, len(opts))
	for i, o := range opts {
		out[i] = snapshot.VoteOption{OptionID: o.OptionID, Label: o.Label}
	}
	return out
}

func parseDecimal(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}
