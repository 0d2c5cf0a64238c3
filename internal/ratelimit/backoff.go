package ratelimit

import (
	"math"
	"time"
)

// RetryPolicy describes how a transient failure is retried.
//
// The zero MaxAttempts and zero Deadline together mean "retry forever", which
// with InitialBackoff=1s and Multiplier=1 is a fixed one-second delay.
type RetryPolicy struct {
	// MaxAttempts caps total attempts including the first. 0 is unlimited.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// Multiplier grows the delay per retry. Values <= 1 keep it fixed.
	Multiplier float64
	// MaxBackoff caps a single delay.
	MaxBackoff time.Duration
	// Deadline bounds the whole fetch including retries. 0 is none.
	Deadline time.Duration
}

// DefaultRetryPolicy is the fixed one-second, unbounded policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff: time.Second,
		Multiplier:     1,
		MaxBackoff:     time.Minute,
	}
}

// Backoff returns the delay to wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	base := float64(p.InitialBackoff)
	if p.Multiplier > 1 {
		base *= math.Pow(p.Multiplier, float64(attempt-1))
	}
	if p.MaxBackoff > 0 && base > float64(p.MaxBackoff) {
		base = float64(p.MaxBackoff)
	}
	return time.Duration(base)
}

// ShouldRetry reports whether another attempt is allowed after attempt failures.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return p.MaxAttempts == 0 || attempt < p.MaxAttempts
}
