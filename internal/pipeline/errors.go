package pipeline

import (
	"errors"
	"fmt"
)

// ErrNoSuccess is wrapped by two-component fit errors: the EM procedure did not
// converge or produced a degenerate component.
var ErrNoSuccess = errors.New("two-component fit: no success")

// ConfigurationError reports invalid analysis parameters: an unknown method
// name or a group assignment that does not cover the sample columns.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "pipeline: configuration: " + e.Reason
}

// FitFailure reports a two-component normalization fit that failed for a
// specific sample column. The whole normalization call is aborted; partial
// results are never returned.
type FitFailure struct {
	Column string
	Err    error
}

func (e *FitFailure) Error() string {
	return fmt.Sprintf("pipeline: two-component fit failed for column %q: %v", e.Column, e.Err)
}

func (e *FitFailure) Unwrap() error { return e.Err }

// DegenerateInputError reports input that cannot support the requested
// computation: a zero-MAD column, an all-missing column, or fewer than two
// paired observations for limits of agreement.
type DegenerateInputError struct {
	Subject string
	Reason  string
}

func (e *DegenerateInputError) Error() string {
	return fmt.Sprintf("pipeline: degenerate input for %s: %s", e.Subject, e.Reason)
}

// InternalConsistencyError reports a contract violation between the filter
// and one of its estimators, such as a decision vector whose length does not
// match the matrix row count. It is fatal; output is never truncated or padded.
type InternalConsistencyError struct {
	Op   string
	Want int
	Got  int
}

func (e *InternalConsistencyError) Error() string {
	return fmt.Sprintf("pipeline: internal consistency: %s returned %d entries for %d rows", e.Op, e.Got, e.Want)
}
