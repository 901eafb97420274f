// Package snapshot materializes poll entities and their vote tallies into
// the relational store, enforcing the invariants the rest of the pipeline
// relies on: a unique vote per voter per poll, tallies consistent with the
// set of non-pending vote records, and monotonic cast versions.
package snapshot

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PollKind mirrors events.PollKind without importing the events package,
// keeping the storage layer's types independent of the decoder's.
type PollKind string

const (
	PollKindProposal         PollKind = "proposal"
	PollKindTemperatureCheck PollKind = "temperature_check"
)

// VoteOption is stored as part of a Poll's JSON-encoded option list.
type VoteOption struct {
	OptionID string `json:"optionId"`
	Label    string `json:"label"`
}

// Poll is the common row shape for both Proposals and TemperatureChecks,
// distinguished by Kind.
type Poll struct {
	ID                int64    `gorm:"primaryKey;autoIncrement:false"`
	Kind              PollKind `gorm:"primaryKey;size:32"`
	Title             string
	ShortDescription  string
	Description       string
	VoteOptionsJSON    string `gorm:"column:vote_options;type:text"`
	MaxSelections     int
	StartVersion      *int64
	EndVersion        *int64
	Quorum            decimal.Decimal `gorm:"type:numeric"`
	ApprovalThreshold decimal.Decimal `gorm:"type:numeric"`
	Hidden            bool
	VoterKVSAddress   string
	VoteKVSAddress    string
	PromotedToID      *int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (Poll) TableName() string { return "polls" }

// VoteRecord is the unique, mutable record of one voter's current position
// on one poll.
type VoteRecord struct {
	PollID                int64    `gorm:"primaryKey;autoIncrement:false"`
	PollKind              PollKind `gorm:"primaryKey;size:32"`
	VoterAccount          string   `gorm:"primaryKey;size:128"`
	SelectionsJSON        string   `gorm:"column:selections;type:text"`
	VotingPower           decimal.Decimal `gorm:"type:numeric"`
	AnchoringStateVersion int64
	CastAtStateVersion    int64
	RevoteCount           int
	VotingPowerPending    bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (VoteRecord) TableName() string { return "vote_records" }

// VoteTally is the materialized running sum of voting power per poll option.
type VoteTally struct {
	PollID      int64    `gorm:"primaryKey;autoIncrement:false"`
	PollKind    PollKind `gorm:"primaryKey;size:32"`
	OptionID    string   `gorm:"primaryKey;size:128"`
	VotingPower decimal.Decimal `gorm:"type:numeric"`
	UpdatedAt   time.Time
}

func (VoteTally) TableName() string { return "vote_tallies" }

// RecomputeTrigger is a deferred task to recompute a voter's voting power.
type RecomputeTrigger struct {
	TriggerID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	VoterAccount          string    `gorm:"size:128;index"`
	PollID                int64
	PollKind              PollKind `gorm:"size:32"`
	AnchoringStateVersion int64
	Attempts              int
	NextAttemptAt         time.Time `gorm:"index"`
	Failed                bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (RecomputeTrigger) TableName() string { return "recompute_triggers" }

// DeadLetter records a transaction the per-transaction handler could not
// apply after exhausting its retry budget.
type DeadLetter struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	StateVersion int64     `gorm:"index"`
	IntentHash   string    `gorm:"size:128"`
	ErrorKind    string    `gorm:"size:64"`
	ErrorDetails string    `gorm:"type:text"`
	RecordedAt   time.Time
}

func (DeadLetter) TableName() string { return "dead_letters" }

// GovernanceParameters is the singleton row backing ParametersChanged.
type GovernanceParameters struct {
	ID                       int `gorm:"primaryKey;autoIncrement:false"`
	QuorumDefault            decimal.Decimal `gorm:"type:numeric"`
	ApprovalThresholdDefault decimal.Decimal `gorm:"type:numeric"`
	RawJSON                  string          `gorm:"column:raw;type:text"`
	UpdatedAt                time.Time
}

func (GovernanceParameters) TableName() string { return "governance_parameters" }

// GovernanceParametersSingletonID is the fixed primary key of the single
// GovernanceParameters row.
const GovernanceParametersSingletonID = 1

// ComponentCheckpoint caches the governance component's first relevant
// state version so Startup Reconciliation doesn't re-derive it every boot.
type ComponentCheckpoint struct {
	ID                   int `gorm:"primaryKey;autoIncrement:false"`
	FirstRelevantVersion int64
	CreatedAt            time.Time
}

func (ComponentCheckpoint) TableName() string { return "component_checkpoints" }

// ComponentCheckpointSingletonID is the fixed primary key of the single
// ComponentCheckpoint row.
const ComponentCheckpointSingletonID = 1

// AutoMigrate creates or updates every table this package owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Poll{},
		&VoteRecord{},
		&VoteTally{},
		&RecomputeTrigger{},
		&DeadLetter{},
		&GovernanceParameters{},
		&ComponentCheckpoint{},
	)
}
