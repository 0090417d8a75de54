package analysis

import (
	"math/rand/v2"
	"time"
)

// maxShift bounds the exponent so the shifted delay cannot overflow
// before the ceiling is applied.
const maxShift = 32

// RetryPolicy computes bounded exponential backoff delays.
//
// The pre-jitter delay for attempt n (0-based) is BaseDelay * 2^n,
// capped at MaxDelay. Symmetric jitter of ±20% is applied after the
// cap, and the post-jitter delay never drops below MinDelay. A
// server-supplied retry hint replaces the computed delay but is capped
// at the same ceiling.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts per step,
	// including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay is the ceiling applied to computed and
	// server-supplied delays alike.
	MaxDelay time.Duration

	// MinDelay is the post-jitter floor.
	MinDelay time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured:
// 4 attempts, 1s base, 30s ceiling, 500ms floor.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MinDelay:    500 * time.Millisecond,
	}
}

// Delay returns the capped, pre-jitter delay for the given 0-based
// attempt number.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxShift {
		attempt = maxShift
	}
	d := p.BaseDelay << uint(attempt)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	return d
}

// Jitter applies ±20% symmetric jitter to a capped delay and clamps
// the result to the MinDelay floor.
func (p RetryPolicy) Jitter(d time.Duration) time.Duration {
	factor := 0.8 + 0.4*rand.Float64()
	j := time.Duration(float64(d) * factor)
	if j < p.MinDelay {
		j = p.MinDelay
	}
	return j
}

// ServerDelay converts a server-supplied retry hint (in seconds) to a
// delay capped at the ceiling. An unbounded hint is never trusted
// verbatim.
func (p RetryPolicy) ServerDelay(seconds int) time.Duration {
	d := time.Duration(seconds) * time.Second
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Next returns the post-jitter delay before the retry following the
// given 0-based attempt. A positive serverSeconds hint takes
// precedence over the computed backoff.
func (p RetryPolicy) Next(attempt, serverSeconds int) time.Duration {
	var d time.Duration
	if serverSeconds > 0 {
		d = p.ServerDelay(serverSeconds)
	} else {
		d = p.Delay(attempt)
	}
	return p.Jitter(d)
}
