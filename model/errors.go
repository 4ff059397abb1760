package model

import "errors"

// State machine errors. Callers match them with errors.Is; the ledger and
// the simulation rely on ErrMissionTerminal, ErrNotHolder,
// ErrSegmentNotReserved and ErrAlreadyOccupied to recognise writes that
// have already taken effect.
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrMissionTerminal    = errors.New("mission already completed or aborted")
	ErrEmptyPath          = errors.New("mission path is empty")
	ErrSegmentOccupied    = errors.New("segment is occupied by another vehicle")
	ErrSegmentNotReserved = errors.New("segment is not reserved")
	ErrNotHolder          = errors.New("segment is not reserved by vehicle")
	ErrAlreadyOccupied    = errors.New("segment already occupied by vehicle")
)
