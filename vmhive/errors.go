package vmhive

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyExists  = errors.New("already exists")
	ErrNotFound       = errors.New("not found")
	ErrNotRunning     = errors.New("machine not running")
	ErrNotImplemented = errors.New("not implemented")
)

// ValidationError indicates a malformed or incomplete request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

func IsValidationError(err error) bool {
	var e *ValidationError

	return errors.As(err, &e)
}

// JobNotFoundError indicates that no job with the given ID
// exists in the job table.
type JobNotFoundError struct {
	ID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job not found: %s", e.ID)
}

func IsJobNotFoundError(err error) bool {
	var e *JobNotFoundError

	return errors.As(err, &e)
}

// InvalidStateError indicates an operation that is not legal
// in the current job state (e.g., cancelling a terminal job).
type InvalidStateError struct {
	ID    string
	State string
	Op    string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("operation %q is not allowed for job %s in state %q", e.Op, e.ID, e.State)
}

func IsInvalidStateError(err error) bool {
	var e *InvalidStateError

	return errors.As(err, &e)
}
