// Package events turns a raw committed transaction into a sequence of typed
// domain actions the per-transaction handler applies to the snapshot store.
package events

// PollKind distinguishes the two poll shapes that share a common voting
// model.
type PollKind string

const (
	PollKindProposal         PollKind = "proposal"
	PollKindTemperatureCheck PollKind = "temperature_check"
)

// VoteOption is one selectable option on a poll.
type VoteOption struct {
	OptionID string
	Label    string
}

// Action is a typed domain action decoded from one governance-component
// event. Exactly one of the concrete fields is populated; Kind identifies
// which.
type Action struct {
	Kind ActionKind

	ProposalCreated         *ProposalCreated
	TemperatureCheckCreated *TemperatureCheckCreated
	VoteCast                *VoteCast
	VoteRevoked             *VoteRevoked
	VoteChanged             *VoteChanged
	HiddenToggled           *HiddenToggled
	ParametersChanged       *ParametersChanged
	ProposalPromoted        *ProposalPromoted
}

// ActionKind enumerates the decodable governance event variants.
type ActionKind int

const (
	ActionUnknown ActionKind = iota
	ActionProposalCreated
	ActionTemperatureCheckCreated
	ActionVoteCast
	ActionVoteRevoked
	ActionVoteChanged
	ActionHiddenToggled
	ActionParametersChanged
	ActionProposalPromoted
)

// ProposalCreated is emitted when a new proposal is created on-chain.
type ProposalCreated struct {
	ID                int64
	Title             string
	ShortDescription  string
	Description       string
	VoteOptions       []VoteOption
	MaxSelections     int
	StartVersion      *int64
	EndVersion        *int64
	Quorum            string
	ApprovalThreshold string
	VoterKVSAddress   string
	VoteKVSAddress    string
}

// TemperatureCheckCreated is emitted when a new temperature check is created.
type TemperatureCheckCreated struct {
	ID               int64
	Title            string
	ShortDescription string
	Description      string
	VoteOptions      []VoteOption
	StartVersion     *int64
	EndVersion       *int64
	VoterKVSAddress  string
	VoteKVSAddress   string
}

// VoteCast is emitted when a voter casts a vote on a poll. A VoteCast for a
// voter who already voted on that poll is applied as a revote.
type VoteCast struct {
	PollKind    PollKind
	PollID      int64
	Voter       string
	Selections  []string
	PollVersion int64
}

// VoteRevoked is emitted when a voter withdraws their vote entirely, if the
// on-chain design emits a distinct event for it.
type VoteRevoked struct {
	PollKind PollKind
	PollID   int64
	Voter    string
}

// VoteChanged is emitted on revote; the Snapshot Engine treats it as an
// implicit revoke-then-cast against the existing VoteRecord.
type VoteChanged struct {
	PollKind      PollKind
	PollID        int64
	Voter         string
	NewSelections []string
	PollVersion   int64
}

// HiddenToggled flips a poll's visibility flag.
type HiddenToggled struct {
	PollKind PollKind
	PollID   int64
	Hidden   bool
}

// ParametersChanged replaces the singleton governance parameters.
type ParametersChanged struct {
	QuorumDefault            string
	ApprovalThresholdDefault string
	Raw                      map[string]string
}

// ProposalPromoted links a temperature check to the proposal it became.
type ProposalPromoted struct {
	FromTemperatureCheckID int64
	ToProposalID           int64
}
