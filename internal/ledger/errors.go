package ledger

import (
	"errors"

	"github.com/signalsfoundry/emergency-routing/model"
)

// Ledger errors. ErrConflict is the only transient one; everything else is a
// domain outcome the caller must not retry.
var (
	ErrNotFound      = errors.New("ledger: not found")
	ErrAlreadyExists = errors.New("ledger: already exists")
	ErrAccessDenied  = errors.New("ledger: access denied")
	ErrConflict      = errors.New("ledger: version conflict")
	ErrVehicleBusy   = errors.New("ledger: vehicle already on a mission")

	// ErrInvalidArgument is shared with model so validation failures match
	// either name.
	ErrInvalidArgument = model.ErrInvalidArgument
)

// IsRetryable reports whether err is a transient optimistic-concurrency
// failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsIdempotent reports whether err means the requested write has already
// taken effect.
func IsIdempotent(err error) bool {
	return errors.Is(err, model.ErrNotHolder) ||
		errors.Is(err, model.ErrSegmentNotReserved) ||
		errors.Is(err, model.ErrAlreadyOccupied) ||
		errors.Is(err, model.ErrMissionTerminal)
}
