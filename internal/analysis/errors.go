package analysis

import (
	"errors"
	"fmt"
)

// Step identifies the protocol step at which a failure occurred.
type Step string

const (
	StepSubmit Step = "submit"
	StepPoll   Step = "poll"
	StepFetch  Step = "fetch"
)

// TerminalError is a non-retryable remote failure, such as the service
// rejecting an unknown extension or a malformed response payload.
type TerminalError struct {
	Step       Step
	StatusCode int
	Message    string
}

func (e *TerminalError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("analysis: %s: %s (status %d)", e.Step, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("analysis: %s: %s", e.Step, e.Message)
}

// ExhaustedError reports a step whose bounded retries ran out on
// transient failures.
type ExhaustedError struct {
	Step     Step
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("analysis: %s: retries exhausted after %d attempt(s): %v", e.Step, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// IsTerminal reports whether err is a non-retryable remote failure.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// IsExhausted reports whether err is a retryable failure that ran out
// of attempts.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}
