package txhandler

import "govvoted/weight"

// Parameters bundles the governance configuration the handler's weight
// calculations read. Callers load this once per page (or cache it and
// refresh on ActionParametersChanged) rather than re-reading it per
// transaction.
type Parameters struct {
	Weight weight.Parameters
}
