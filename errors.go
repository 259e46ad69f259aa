package regress

import (
	"errors"
	"fmt"
)

// RuntimeError represents an operational error that should lead to exit code 2
// Examples include unreadable root directories or an unusable grid adapter.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError creates a new RuntimeError
func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

// IsRuntimeError checks if the error is or wraps a RuntimeError
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && errors.As(err, &runtimeErr)
}

// KilledError reports that the run was stopped by a signal (exit code 1)
type KilledError struct {
	Reason string
}

func (e *KilledError) Error() string {
	if e.Reason == "" {
		return "run killed by interrupt"
	}
	return fmt.Sprintf("run killed: %s", e.Reason)
}

// NewKilledError creates a new KilledError
func NewKilledError(reason string) *KilledError {
	return &KilledError{Reason: reason}
}

// IsKilledError checks if the error is or wraps a KilledError
func IsKilledError(err error) bool {
	var killedErr *KilledError
	return err != nil && errors.As(err, &killedErr)
}
