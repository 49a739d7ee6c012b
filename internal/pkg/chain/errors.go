package chain

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable marks failures where the adapter could not be reached or
	// did not answer in time. The outcome of a write is unknown.
	ErrUnavailable = errors.New("chain adapter unavailable")
	// ErrRejected marks a definite refusal: the transaction was not accepted.
	ErrRejected       = errors.New("transaction rejected")
	ErrInvalidAddress = errors.New("invalid address")
	ErrUnsupported    = errors.New("operation not supported by adapter")
)

// IsTransient reports whether err is worth retrying for a read.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
