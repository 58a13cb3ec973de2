// Package retry provides the bounded exponential backoff policy used
// by the task dispatcher.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes a bounded retry schedule with exponential backoff.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseWait is the delay before the second attempt; subsequent waits
	// double it.
	BaseWait time.Duration

	// MaxWait caps the computed delay. Zero means uncapped.
	MaxWait time.Duration
}

// DefaultPolicy returns the dispatcher's default retry schedule.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseWait:    time.Second,
		MaxWait:     30 * time.Second,
	}
}

// Exhausted reports whether the given 1-based attempt number used up
// the schedule.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Wait returns the delay to apply before retrying after the given
// 1-based attempt, with up to 10% jitter added.
func (p Policy) Wait(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := time.Duration(float64(p.BaseWait) * math.Pow(2, float64(attempt-1)))
	if p.MaxWait > 0 && backoff > p.MaxWait {
		backoff = p.MaxWait
	}
	jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
	return backoff + jitter
}
