package serving

import (
	"errors"
	"fmt"

	"github.com/korjavin/mealtracker/pkg/roster"
)

var (
	// ErrInvalidParticipant is returned for malformed or out-of-range participant ids
	ErrInvalidParticipant = roster.ErrInvalidParticipant
	// ErrInvalidMeal is returned for meal slots that are not configured
	ErrInvalidMeal = errors.New("invalid meal time")
	// ErrNotAwaitingService is returned when a confirmation has no matching request
	ErrNotAwaitingService = errors.New("participant is not awaiting service")
	// ErrAlreadyServedToday is returned when a confirmation finds a served record for today
	ErrAlreadyServedToday = errors.New("participant already served today")
	// ErrLedgerUnavailable matches every *LedgerError
	ErrLedgerUnavailable = errors.New("ledger unavailable")
)

// LedgerError is an infrastructure failure of the ledger during op
type LedgerError struct {
	Op  string
	Err error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger unavailable: %s: %v", e.Op, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrLedgerUnavailable) hold for every LedgerError
func (e *LedgerError) Is(target error) bool {
	return target == ErrLedgerUnavailable
}

func ledgerError(op string, err error) error {
	return &LedgerError{Op: op, Err: err}
}
