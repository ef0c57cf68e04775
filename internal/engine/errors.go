package engine

import (
	"errors"
	"fmt"
)

// ErrStopped is returned when work is submitted to a loop that has stopped.
var ErrStopped = errors.New("engine: loop stopped")

// ErrAlreadyRunning is returned by Run when the loop was already started.
var ErrAlreadyRunning = errors.New("engine: loop already running")

// PanicError carries a panic recovered from a loop step or a worker.
type PanicError struct {
	Op    string
	Value any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Op, e.Value)
}

// IsPanic returns true if err wraps a recovered panic.
// Uses errors.As to handle wrapped errors.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
