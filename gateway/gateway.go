// Package gateway defines the read-only capability the vote collector
// consumes from an external blockchain gateway client. The core never
// implements this interface itself; it is provided by a collaborator (HTTP
// client, RPC client, or a local simulator in tests).
package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerState describes the gateway's current view of the ledger.
type LedgerState struct {
	StateVersion int64
	Epoch        int64
	Timestamp    time.Time
}

// Event is one event emitted by a committed transaction. Payload holds the
// encoded event body; events.DefaultRegistry decodes it as JSON.
type Event struct {
	EmitterAddress string
	BlueprintName  string
	EventName      string
	Payload        []byte
}

// Transaction is one committed transaction as observed on the stream.
type Transaction struct {
	StateVersion           int64
	IntentHash             string
	Events                 []Event
	AffectedGlobalEntities []string
	Status                 string
}

// Page is one page of a streamed transaction result.
type Page struct {
	Items      []Transaction
	NextCursor string
}

// StreamOptions parameterizes a committed-transaction stream request.
type StreamOptions struct {
	FromStateVersion        int64
	LimitPerPage            int
	FilterAffectedEntities  []string
	OptIns                  []string
}

// ComponentState is the decoded state of the governance component at a
// given ledger version.
type ComponentState struct {
	StateVersion           int64
	FirstRelevantVersion   int64
	VoterKVSAddress        string
	VoteKVSAddress         string
	ProposalCount          int64
	TemperatureCheckCount  int64
}

// KVSEntry is one key-value-store page entry.
type KVSEntry struct {
	Key                   []byte
	Value                 []byte
	IsLocked              bool
	LastUpdatedAtVersion  int64
}

// KVSPage is one page of key-value-store entries.
type KVSPage struct {
	Entries    []KVSEntry
	NextCursor string
}

// Capability is the read-only gateway surface the core depends on.
//
// Every method may block on network I/O and must honor ctx cancellation.
// Implementations classify failures per the TransientError/PermanentError
// taxonomy in this package so callers can apply the correct retry policy.
type Capability interface {
	GetCurrentLedgerState(ctx context.Context) (LedgerState, error)

	// GetLedgerStateAt returns ledger-state metadata (epoch, timestamp)
	// anchored to a specific past state version, as opposed to
	// GetCurrentLedgerState's tip-of-chain view.
	GetLedgerStateAt(ctx context.Context, atStateVersion int64) (LedgerState, error)

	// StreamCommittedTransactions returns one page starting at opts.FromStateVersion.
	// Callers drive pagination explicitly via the returned NextCursor; the
	// method itself does not block across multiple pages.
	StreamCommittedTransactions(ctx context.Context, opts StreamOptions) (Page, error)

	GetComponentStateAt(ctx context.Context, componentAddress string, atStateVersion int64) (ComponentState, error)

	GetKeyValueStorePageAt(ctx context.Context, kvsAddress string, atStateVersion int64, cursor string, pageSize int) (KVSPage, error)

	GetKeyValueStoreDataAt(ctx context.Context, kvsAddress string, atStateVersion int64, keys [][]byte) (map[string][]byte, error)

	GetFungibleBalancesAt(ctx context.Context, accountAddress string, atStateVersion int64, resourceAddress string) (decimal.Decimal, error)

	GetNonFungibleHoldingsAt(ctx context.Context, accountAddress string, atStateVersion int64, resourceAddress string) (map[string]struct{}, error)
}
