package task

import (
	"math"
	"math/rand"
	"time"
)

// PollRetryPolicy governs retries of the worker's get_status poll step
// only (spec.md §4.6): create_scan and launch_scan are never retried
// blindly, since a successful create followed by a launch failure
// must be rolled back with delete_scan before any re-attempt.
type PollRetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	JitterFactor   float64
}

// DefaultPollRetryPolicy matches spec.md §4.6's defaults: 3 attempts,
// base 1s, cap 30s.
func DefaultPollRetryPolicy() *PollRetryPolicy {
	return &PollRetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.1,
	}
}

// Backoff returns the delay before the given attempt number (0-based).
func (p *PollRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return p.InitialBackoff
	}

	backoff := float64(p.InitialBackoff) * math.Pow(p.BackoffFactor, float64(attempt))
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	if p.JitterFactor > 0 {
		jitter := backoff * p.JitterFactor * (rand.Float64()*2 - 1)
		backoff += jitter
	}
	if backoff < 0 {
		backoff = float64(p.InitialBackoff)
	}

	return time.Duration(backoff)
}

// ShouldRetry reports whether another poll attempt is permitted given
// attempts already made.
func (p *PollRetryPolicy) ShouldRetry(attemptsMade int) bool {
	return attemptsMade < p.MaxAttempts
}
