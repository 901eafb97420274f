package snapshot

import "errors"

// ErrInvariantViolated wraps a violation of one of the Snapshot Engine's
// invariants: voting on a non-existent poll, an option id not present on
// the poll, an empty or oversized selection set, or a tally that would go
// negative. Callers must treat this as fatal at the runtime level, after
// preserving the offending transaction in the dead-letter collection.
var ErrInvariantViolated = errors.New("snapshot: invariant violated")
