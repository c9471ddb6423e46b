// Package model defines the core data types shared by the settlement pipeline.
package model

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change is not allowed by the lifecycle.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitionError wraps ErrInvalidTransition with the offending states.
func transitionError(kind string, from, to fmt.Stringer) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, kind, from, to)
}
