// ratelimit.go implements token-bucket rate limiting for venue REST calls.
//
// Venues publish per-category limits measured over fixed windows. A smooth
// token bucket that refills continuously stays comfortably under those
// limits without bursting into a 429 at window boundaries.
package venue

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous
// refill. Callers block in Wait() until a token is available or the
// context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by venue REST category. Each call must
// Wait() on the matching bucket before issuing the HTTP request.
type RateLimiter struct {
	Market  *TokenBucket // ticker and depth snapshots
	Trading *TokenBucket // place, cancel, fetch order
	Account *TokenBucket // balances and positions
}

// NewRateLimiter creates buckets with conservative shared defaults that
// fit every supported venue's published limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Market:  NewTokenBucket(100, 10),
		Trading: NewTokenBucket(50, 5),
		Account: NewTokenBucket(20, 2),
	}
}
