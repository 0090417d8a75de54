package analysis

import "time"

// Session is the transient state of one in-flight analysis sequence.
// A Session is owned exclusively by the worker driving it and is
// discarded when the sequence terminates.
type Session struct {
	// AnalysisID is assigned by the service after a successful submit.
	AnalysisID string

	// Phase is the current protocol phase.
	Phase Phase

	// Attempts is the attempt counter within the current step.
	Attempts int

	// Retries is the total number of transient retries consumed
	// across all steps of this sequence.
	Retries int

	// LastDelay is the most recently computed backoff delay.
	LastDelay time.Duration
}
