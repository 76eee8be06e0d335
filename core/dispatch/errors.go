package dispatch

import (
	"errors"
	"fmt"

	"github.com/kilianp07/ridedispatch/core/messages"
	"github.com/kilianp07/ridedispatch/core/store"
)

var (
	// ErrNotFound is returned when a ride, puller or block does not exist.
	ErrNotFound = store.ErrNotFound
	// ErrInvalidState is returned when an operation is not allowed from the
	// ride's current status, including the losing side of an accept race.
	ErrInvalidState = errors.New("invalid ride state")
	// ErrMissingAssignment is returned when completing a ride without a puller.
	ErrMissingAssignment = errors.New("ride has no assigned puller")
	// ErrAlreadyRejected is returned when a puller accepts a ride they rejected.
	ErrAlreadyRejected = fmt.Errorf("puller already rejected this ride: %w", ErrInvalidState)
	// ErrInvalidCommand is returned for malformed commands and arguments.
	ErrInvalidCommand = messages.ErrInvalidCommand
	// ErrLedgerMismatch is returned when a balance disagrees with its history.
	ErrLedgerMismatch = errors.New("points balance does not match history")
)

// stateErr converts a store conflict into ErrInvalidState, keeping the
// store's message for context.
func stateErr(err error) error {
	if errors.Is(err, store.ErrRejected) {
		return fmt.Errorf("%w: %v", ErrAlreadyRejected, err)
	}
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return err
}

// ErrorCode maps an engine error to the stable code used on the wire.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyRejected):
		return "already_rejected"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrMissingAssignment):
		return "missing_assignment"
	case errors.Is(err, ErrInvalidCommand):
		return "invalid_command"
	case errors.Is(err, ErrLedgerMismatch):
		return "ledger_mismatch"
	default:
		return "internal"
	}
}
