package ledger

import (
	"errors"
	"fmt"
)

// InsufficientCreditsError reports a rejected reservation together with
// the exact deficit, so callers can tell the user how many credits they
// are short rather than just "not enough".
type InsufficientCreditsError struct {
	Shortfall int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: short %d", e.Shortfall)
}

var (
	// ErrReservationNotFound means commit/release was called with an id
	// that exists in neither Redis nor the durable store. Distinct from
	// the already-terminal case, which is a documented no-op.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrInvalidAmount rejects reservations and grants that are not a
	// positive integer number of credits.
	ErrInvalidAmount = errors.New("amount must be a positive integer")

	// ErrAccountNotFound means a per-account durable lookup hit an
	// account that was never created.
	ErrAccountNotFound = errors.New("account not found")

	// ErrTimeout wraps deadline failures talking to the backing stores.
	ErrTimeout = errors.New("ledger operation timed out")
)
