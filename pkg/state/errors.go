package state

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a key or snapshot does not exist.
	ErrNotFound = errors.New("state: not found")

	// ErrInvalidTransition is returned when a registered validator rejects
	// a state change. It is never retried.
	ErrInvalidTransition = errors.New("state: invalid transition")
)

// InvalidTransitionError carries the rejected transition's detail.
type InvalidTransitionError struct {
	Kind   string
	Key    string
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s %q: %s", e.Kind, e.Key, e.Reason)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }
