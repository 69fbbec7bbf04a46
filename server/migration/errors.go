package migration

import (
	"errors"
	"fmt"
	"strings"
)

// errJobCancelled aborts a pipeline when the job has been cancelled.
// Cancellation is not a failure: the job keeps the cancelled state
// and the error never reaches the caller.
var errJobCancelled = errors.New("job cancelled")

// ConcurrencyLimitError indicates that the cluster-wide limit
// of simultaneously running migrations has been reached.
type ConcurrencyLimitError struct {
	Limit int
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("too many active migrations: limit of %d reached", e.Limit)
}

func IsConcurrencyLimitError(err error) bool {
	var e *ConcurrencyLimitError

	return errors.As(err, &e)
}

// PreflightError lists the pre-flight checks that failed.
// No job is created when at least one check fails.
type PreflightError struct {
	Failed []string
}

func (e *PreflightError) Error() string {
	return "pre-flight checks failed: " + strings.Join(e.Failed, ", ")
}

func IsPreflightError(err error) bool {
	var e *PreflightError

	return errors.As(err, &e)
}
