package pricing

import "errors"

// Resolver failures are pure and side-effect free: they are surfaced
// before any ledger interaction so the system fails closed, never
// reserving against an unresolved or ambiguous price.
var (
	// ErrUnknownModel means the catalog has no entry at all for the
	// requested model/generation-type pair.
	ErrUnknownModel = errors.New("unknown model")

	// ErrInvalidParameters means required parameters are missing or out
	// of domain (negative duration, item count outside 1..4, a
	// resolution no pricing bucket recognizes).
	ErrInvalidParameters = errors.New("invalid parameters")
)
