package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Engine applies decoded governance actions to the relational store. Every
// method runs inside the caller-supplied transaction tx; the engine never
// opens its own.
type Engine struct{}

// New builds a Snapshot Engine. It is stateless; its methods thread the
// caller's transaction through explicitly.
func New() *Engine { return &Engine{} }

func marshalOptions(opts []VoteOption) (string, error) {
	b, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("snapshot: marshal vote options: %w", err)
	}
	return string(b), nil
}

func unmarshalOptions(raw string) ([]VoteOption, error) {
	if raw == "" {
		return nil, nil
	}
	var opts []VoteOption
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal vote options: %w", err)
	}
	return opts, nil
}

func marshalSelections(sel []string) (string, error) {
	b, err := json.Marshal(sel)
	if err != nil {
		return "", fmt.Errorf("snapshot: marshal selections: %w", err)
	}
	return string(b), nil
}

func unmarshalSelections(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var sel []string
	if err := json.Unmarshal([]byte(raw), &sel); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal selections: %w", err)
	}
	return sel, nil
}

// ProposalFields carries the fields needed to materialize a new Proposal or
// TemperatureCheck row. Kind selects which; TemperatureCheck polls are
// expected to carry exactly two options (For/Against).
type ProposalFields struct {
	ID                int64
	Kind              PollKind
	Title             string
	ShortDescription  string
	Description       string
	VoteOptions       []VoteOption
	MaxSelections     int
	StartVersion      *int64
	EndVersion        *int64
	Quorum            decimal.Decimal
	ApprovalThreshold decimal.Decimal
	VoterKVSAddress   string
	VoteKVSAddress    string
	// At is the ledger timestamp anchored to the creating transaction's
	// state version (resolved via the Ledger-State Resolver). Zero falls
	// back to wall-clock time for callers that don't resolve one.
	At time.Time
}

// ApplyPollCreated inserts-or-replaces a Poll row, idempotent by (id, kind).
func (e *Engine) ApplyPollCreated(tx *gorm.DB, f ProposalFields) error {
	at := f.At
	if at.IsZero() {
		at = time.Now()
	}
	optionsJSON, err := marshalOptions(f.VoteOptions)
	if err != nil {
		return err
	}
	maxSelections := f.MaxSelections
	if maxSelections <= 0 {
		maxSelections = 1
	}
	row := Poll{
		ID:                f.ID,
		Kind:              f.Kind,
		Title:             f.Title,
		ShortDescription:  f.ShortDescription,
		Description:       f.Description,
		VoteOptionsJSON:   optionsJSON,
		MaxSelections:     maxSelections,
		StartVersion:      f.StartVersion,
		EndVersion:        f.EndVersion,
		Quorum:            f.Quorum,
		ApprovalThreshold: f.ApprovalThreshold,
		VoterKVSAddress:   f.VoterKVSAddress,
		VoteKVSAddress:    f.VoteKVSAddress,
		CreatedAt:         at,
		UpdatedAt:         at,
	}
	if err := tx.Save(&row).Error; err != nil {
		return fmt.Errorf("snapshot: apply poll created %d/%s: %w", f.ID, f.Kind, err)
	}
	return nil
}

func (e *Engine) loadPoll(tx *gorm.DB, kind PollKind, id int64) (Poll, error) {
	var poll Poll
	err := tx.First(&poll, "id = ? AND kind = ?", id, kind).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Poll{}, fmt.Errorf("%w: vote on unknown poll %s/%d", ErrInvariantViolated, kind, id)
	}
	if err != nil {
		return Poll{}, fmt.Errorf("snapshot: load poll %s/%d: %w", kind, id, err)
	}
	return poll, nil
}

func validateSelections(poll Poll, selections []string) error {
	if len(selections) == 0 {
		return fmt.Errorf("%w: empty selection set for poll %s/%d", ErrInvariantViolated, poll.Kind, poll.ID)
	}
	if len(selections) > poll.MaxSelections {
		return fmt.Errorf("%w: %d selections exceeds max %d for poll %s/%d", ErrInvariantViolated, len(selections), poll.MaxSelections, poll.Kind, poll.ID)
	}
	options, err := unmarshalOptions(poll.VoteOptionsJSON)
	if err != nil {
		return err
	}
	valid := make(map[string]struct{}, len(options))
	for _, opt := range options {
		valid[opt.OptionID] = struct{}{}
	}
	for _, sel := range selections {
		if _, ok := valid[sel]; !ok {
			return fmt.Errorf("%w: option %q not valid for poll %s/%d", ErrInvariantViolated, sel, poll.Kind, poll.ID)
		}
	}
	return nil
}

func checkPollOpen(poll Poll, atVersion int64) error {
	if poll.EndVersion != nil && atVersion > *poll.EndVersion {
		return fmt.Errorf("%w: poll %s/%d ended at version %d, vote at %d", ErrInvariantViolated, poll.Kind, poll.ID, *poll.EndVersion, atVersion)
	}
	return nil
}

func (e *Engine) adjustTally(tx *gorm.DB, kind PollKind, pollID int64, optionID string, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	var tally VoteTally
	err := tx.First(&tally, "poll_id = ? AND poll_kind = ? AND option_id = ?", pollID, kind, optionID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		tally = VoteTally{PollID: pollID, PollKind: kind, OptionID: optionID, VotingPower: decimal.Zero}
	case err != nil:
		return fmt.Errorf("snapshot: load tally %s/%d/%s: %w", kind, pollID, optionID, err)
	}
	next := tally.VotingPower.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: tally %s/%d/%s would go negative", ErrInvariantViolated, kind, pollID, optionID)
	}
	tally.VotingPower = next
	tally.UpdatedAt = time.Now()
	if err := tx.Save(&tally).Error; err != nil {
		return fmt.Errorf("snapshot: save tally %s/%d/%s: %w", kind, pollID, optionID, err)
	}
	return nil
}

// ApplyVoteCastParams carries a VoteCast/VoteChanged action's data plus the
// pre-computed weight.Result from the calculator. Weight is computed and
// passed in rather than recomputed here, because weight calculation may
// involve long gateway round-trips that must not run while holding a
// database transaction open.
type ApplyVoteCastParams struct {
	PollKind     PollKind
	PollID       int64
	Voter        string
	Selections   []string
	PollVersion  int64
	VotingPower  decimal.Decimal
	Pending      bool
	// At is the ledger timestamp anchored to PollVersion (resolved via the
	// Ledger-State Resolver), used as the vote record's CreatedAt/UpdatedAt
	// so a replay of the same transaction persists the same timestamp
	// regardless of when the replay runs. Zero falls back to wall-clock
	// time for callers (tests, chiefly) that don't resolve one.
	At time.Time
}

// ApplyVoteCast applies a first vote or a revote for one voter on one poll,
// maintaining the revoteCount/anchoringStateVersion invariants and the
// tally's consistency with the non-pending VoteRecord set.
func (e *Engine) ApplyVoteCast(tx *gorm.DB, p ApplyVoteCastParams) error {
	at := p.At
	if at.IsZero() {
		at = time.Now()
	}
	poll, err := e.loadPoll(tx, p.PollKind, p.PollID)
	if err != nil {
		return err
	}
	if err := checkPollOpen(poll, p.PollVersion); err != nil {
		return err
	}
	if err := validateSelections(poll, p.Selections); err != nil {
		return err
	}

	newSelectionsJSON, err := marshalSelections(p.Selections)
	if err != nil {
		return err
	}

	var existing VoteRecord
	err = tx.First(&existing, "poll_id = ? AND poll_kind = ? AND voter_account = ?", p.PollID, p.PollKind, p.Voter).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if !p.Pending {
			for _, sel := range p.Selections {
				if err := e.adjustTally(tx, p.PollKind, p.PollID, sel, p.VotingPower); err != nil {
					return err
				}
			}
		}
		record := VoteRecord{
			PollID:                p.PollID,
			PollKind:              p.PollKind,
			VoterAccount:          p.Voter,
			SelectionsJSON:        newSelectionsJSON,
			VotingPower:           p.VotingPower,
			AnchoringStateVersion: p.PollVersion,
			CastAtStateVersion:    p.PollVersion,
			RevoteCount:           0,
			VotingPowerPending:    p.Pending,
			CreatedAt:             at,
			UpdatedAt:             at,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("snapshot: insert vote record %s/%d/%s: %w", p.PollKind, p.PollID, p.Voter, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("snapshot: load vote record %s/%d/%s: %w", p.PollKind, p.PollID, p.Voter, err)
	}

	if !existing.VotingPowerPending {
		priorSelections, err := unmarshalSelections(existing.SelectionsJSON)
		if err != nil {
			return err
		}
		for _, sel := range priorSelections {
			if err := e.adjustTally(tx, p.PollKind, p.PollID, sel, existing.VotingPower.Neg()); err != nil {
				return err
			}
		}
	}
	if !p.Pending {
		for _, sel := range p.Selections {
			if err := e.adjustTally(tx, p.PollKind, p.PollID, sel, p.VotingPower); err != nil {
				return err
			}
		}
	}

	existing.SelectionsJSON = newSelectionsJSON
	existing.VotingPower = p.VotingPower
	existing.AnchoringStateVersion = p.PollVersion
	existing.CastAtStateVersion = p.PollVersion
	existing.RevoteCount++
	existing.VotingPowerPending = p.Pending
	existing.UpdatedAt = at
	if err := tx.Save(&existing).Error; err != nil {
		return fmt.Errorf("snapshot: update vote record %s/%d/%s: %w", p.PollKind, p.PollID, p.Voter, err)
	}
	return nil
}

// ApplyParametersChanged replaces the singleton governance parameters row.
func (e *Engine) ApplyParametersChanged(tx *gorm.DB, quorumDefault, approvalThresholdDefault decimal.Decimal, raw map[string]string) error {
	rawJSON, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("snapshot: marshal parameters: %w", err)
	}
	row := GovernanceParameters{
		ID:                       GovernanceParametersSingletonID,
		QuorumDefault:            quorumDefault,
		ApprovalThresholdDefault: approvalThresholdDefault,
		RawJSON:                  string(rawJSON),
		UpdatedAt:                time.Now(),
	}
	if err := tx.Save(&row).Error; err != nil {
		return fmt.Errorf("snapshot: apply parameters changed: %w", err)
	}
	return nil
}

// ApplyHiddenToggled flips a poll's hidden flag.
func (e *Engine) ApplyHiddenToggled(tx *gorm.DB, kind PollKind, id int64, hidden bool) error {
	poll, err := e.loadPoll(tx, kind, id)
	if err != nil {
		return err
	}
	poll.Hidden = hidden
	poll.UpdatedAt = time.Now()
	if err := tx.Save(&poll).Error; err != nil {
		return fmt.Errorf("snapshot: apply hidden toggled %s/%d: %w", kind, id, err)
	}
	return nil
}

// ApplyProposalPromoted links a temperature check to the proposal it became.
func (e *Engine) ApplyProposalPromoted(tx *gorm.DB, fromTemperatureCheckID, toProposalID int64) error {
	poll, err := e.loadPoll(tx, PollKindTemperatureCheck, fromTemperatureCheckID)
	if err != nil {
		return err
	}
	id := toProposalID
	poll.PromotedToID = &id
	poll.UpdatedAt = time.Now()
	if err := tx.Save(&poll).Error; err != nil {
		return fmt.Errorf("snapshot: apply proposal promoted %d->%d: %w", fromTemperatureCheckID, toProposalID, err)
	}
	return nil
}

// InsertRecomputeTrigger enqueues a deferred weight recomputation for a vote
// that was persisted with votingPowerPending=true.
func (e *Engine) InsertRecomputeTrigger(tx *gorm.DB, voter string, pollKind PollKind, pollID, anchoringStateVersion int64) error {
	trigger := RecomputeTrigger{
		TriggerID:             uuid.New(),
		VoterAccount:          voter,
		PollID:                pollID,
		PollKind:              pollKind,
		AnchoringStateVersion: anchoringStateVersion,
		Attempts:              0,
		NextAttemptAt:         time.Now(),
		CreatedAt:             time.Now(),
		UpdatedAt:             time.Now(),
	}
	if err := tx.Create(&trigger).Error; err != nil {
		return fmt.Errorf("snapshot: insert recompute trigger for %s/%s/%d: %w", voter, pollKind, pollID, err)
	}
	return nil
}

// ResolveTrigger applies a successful recompute: the VoteRecord's power is
// set to w and unmarked pending, the tally re-adds the now-determinate
// weight across the record's current selections, and the trigger row is
// deleted. Called within the Trigger Consumer's own transaction.
func (e *Engine) ResolveTrigger(tx *gorm.DB, trigger RecomputeTrigger, w decimal.Decimal) error {
	var record VoteRecord
	err := tx.First(&record, "poll_id = ? AND poll_kind = ? AND voter_account = ?", trigger.PollID, trigger.PollKind, trigger.VoterAccount).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// No vote record matches the trigger; there is nothing to
		// resolve against. Drop the stale trigger.
		return tx.Delete(&RecomputeTrigger{}, "trigger_id = ?", trigger.TriggerID).Error
	}
	if err != nil {
		return fmt.Errorf("snapshot: resolve trigger load vote record: %w", err)
	}

	if record.VotingPowerPending {
		selections, err := unmarshalSelections(record.SelectionsJSON)
		if err != nil {
			return err
		}
		for _, sel := range selections {
			if err := e.adjustTally(tx, trigger.PollKind, trigger.PollID, sel, w); err != nil {
				return err
			}
		}
		record.VotingPower = w
		record.VotingPowerPending = false
		record.UpdatedAt = time.Now()
		if err := tx.Save(&record).Error; err != nil {
			return fmt.Errorf("snapshot: resolve trigger save vote record: %w", err)
		}
	}

	if err := tx.Delete(&RecomputeTrigger{}, "trigger_id = ?", trigger.TriggerID).Error; err != nil {
		return fmt.Errorf("snapshot: resolve trigger delete: %w", err)
	}
	return nil
}

// DeferTrigger records another failed recompute attempt, scheduling the
// next attempt per backoff, without touching the VoteRecord.
func (e *Engine) DeferTrigger(tx *gorm.DB, trigger RecomputeTrigger, nextAttemptAt time.Time, failed bool) error {
	trigger.Attempts++
	trigger.NextAttemptAt = nextAttemptAt
	trigger.Failed = failed
	trigger.UpdatedAt = time.Now()
	if err := tx.Save(&trigger).Error; err != nil {
		return fmt.Errorf("snapshot: defer trigger %s: %w", trigger.TriggerID, err)
	}
	return nil
}

// RecordDeadLetter preserves a transaction the handler could not apply
// after exhausting its retry budget.
func (e *Engine) RecordDeadLetter(tx *gorm.DB, stateVersion int64, intentHash, errorKind, errorDetails string) error {
	dl := DeadLetter{
		ID:           uuid.New(),
		StateVersion: stateVersion,
		IntentHash:   intentHash,
		ErrorKind:    errorKind,
		ErrorDetails: errorDetails,
		RecordedAt:   time.Now(),
	}
	if err := tx.Create(&dl).Error; err != nil {
		return fmt.Errorf("snapshot: record dead letter for %s: %w", intentHash, err)
	}
	return nil
}

// ReplayDeadLetter removes a dead-lettered transaction's record so an
// operator-driven replay can resubmit it through the ordinary per-transaction
// handler. This package never calls it itself; it exists for an external
// operator tool to invoke after the underlying cause has been fixed.
func (e *Engine) ReplayDeadLetter(tx *gorm.DB, id uuid.UUID) error {
	res := tx.Delete(&DeadLetter{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("snapshot: replay dead letter %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("snapshot: replay dead letter %s: not found", id)
	}
	return nil
}
