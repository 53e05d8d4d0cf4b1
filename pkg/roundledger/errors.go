package roundledger

import "errors"

var (
	// ErrNotFound is returned when a round does not exist.
	ErrNotFound = errors.New("round not found")

	// ErrEmptyQueue is returned when OpenRound is asked to materialize
	// a round with no participants.
	ErrEmptyQueue = errors.New("round queue must have at least one participant")

	// ErrRoundNotActive is returned when Advance is called against a
	// round that has already completed or been canceled.
	ErrRoundNotActive = errors.New("round is not active")
)
