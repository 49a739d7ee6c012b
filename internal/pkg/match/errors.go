package match

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("match not found")
	ErrMatchFull           = errors.New("match is full")
	ErrDuplicatePlayer     = errors.New("player already joined")
	ErrInvalidState        = errors.New("invalid match state")
	ErrInvalidAddress      = errors.New("invalid player address")
	ErrInvalidStake        = errors.New("required stake must be positive")
	ErrInvalidPlayers      = errors.New("max players must be at least 2")
	ErrInvalidQuorum       = errors.New("invalid quorum")
	ErrUnknownState        = errors.New("unknown match state")
	ErrInvalidRefundPolicy = errors.New("unknown refund policy")
	ErrUnknownPlayer       = errors.New("unknown player")
	ErrAlreadySettled      = errors.New("match already settled")
	ErrInvariant           = errors.New("match invariant violated")
	ErrFaulted             = errors.New("match escrow secret is faulted")
)

// PreconditionError reports which lifecycle state a match was in and which
// precondition an operation found unmet.
type PreconditionError struct {
	Op           string
	MatchID      string
	State        State
	Precondition string
	Err          error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s %s: match is %s, %s: %v", e.Op, e.MatchID, e.State, e.Precondition, e.Err)
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

func Precondition(op string, m *Match, precondition string, err error) error {
	return &PreconditionError{
		Op:           op,
		MatchID:      m.ID,
		State:        m.State,
		Precondition: precondition,
		Err:          err,
	}
}

// StateOf returns the match state carried by err, if any.
func StateOf(err error) (State, bool) {
	var pe *PreconditionError
	if errors.As(err, &pe) {
		return pe.State, true
	}

	return "", false
}
