// Package retry resubmits ledgered event batches until they deliver or
// their attempt budget runs out.
package retry

import (
	"math"
	"time"
)

// Strategy decides when a failed batch earns another attempt.
type Strategy interface {
	// Delay returns the backoff before the given attempt (0-indexed).
	Delay(attempt int) time.Duration

	// NextRun schedules the given attempt from now.
	NextRun(now time.Time, attempt int) time.Time

	// Exhausted reports whether the attempt budget is spent.
	Exhausted(attempt int) bool
}

// ExponentialBackoff implements a capped doubling backoff.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultBackoff returns the schedule used when config leaves retries
// unset. 1m, 2m, 4m, 8m, 16m (Max 4h)
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: time.Minute,
		MaxDelay:     4 * time.Hour,
		MaxAttempts:  5,
	}
}

// Delay calculates backoff: InitialDelay * 2^attempt
func (s *ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(s.InitialDelay) * math.Pow(2, float64(attempt))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// NextRun schedules the given attempt from now.
func (s *ExponentialBackoff) NextRun(now time.Time, attempt int) time.Time {
	return now.Add(s.Delay(attempt))
}

// Exhausted reports whether the attempt budget is spent.
func (s *ExponentialBackoff) Exhausted(attempt int) bool {
	return attempt >= s.MaxAttempts
}
