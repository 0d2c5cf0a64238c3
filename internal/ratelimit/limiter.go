// Package ratelimit keeps outbound Codeforces traffic under the platform's
// request ceiling and decides how long to wait between retries.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter blocks callers until a request may be sent.
type Limiter interface {
	Wait(ctx context.Context) error
}

// TokenBucket is a Limiter shared by every goroutine talking to one upstream.
type TokenBucket struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	mu         sync.Mutex
	now        func() time.Time
}

// NewTokenBucket creates a bucket refilled at rps tokens per second.
// Burst defaults to 1 so requests are spread evenly rather than bunched.
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucket{
		rate:       rps,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: time.Now(),
		now:        time.Now,
	}
}

// Wait reserves a token, sleeping until it becomes available or ctx is done.
// Reservations are taken under the lock so concurrent waiters queue up
// instead of all waking at the same instant.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	tb.mu.Lock()
	tb.refill()
	tb.tokens--
	var wait time.Duration
	if tb.tokens < 0 {
		wait = time.Duration(-tb.tokens / tb.rate * float64(time.Second))
	}
	tb.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		tb.mu.Lock()
		tb.tokens++
		tb.mu.Unlock()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// refill adds tokens based on elapsed time (call with lock held).
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastUpdate)
	if elapsed <= 0 {
		return
	}

	tb.tokens += elapsed.Seconds() * tb.rate
	if tb.tokens > float64(tb.burst) {
		tb.tokens = float64(tb.burst)
	}
	tb.lastUpdate = now
}

// Unlimited never blocks. Used by tests and by callers that limit elsewhere.
type Unlimited struct{}

func (Unlimited) Wait(ctx context.Context) error { return ctx.Err() }
