// Package ratelimit implements a per-user token bucket. Buckets refill
// lazily on each Allow call; there are no background goroutines.
package ratelimit

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sandboxd/internal/domain"
)

// Config tunes the limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited.
	BurstSize         int // Bucket capacity. 0 = RequestsPerMinute.
}

// Limiter hands out request tokens per user. Each user has an
// independent bucket, so one noisy client cannot starve another.
type Limiter struct {
	mu      sync.Mutex
	buckets map[uuid.UUID]*bucket
	rate    float64 // tokens per second
	burst   float64

	now func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a limiter. A zero RequestsPerMinute disables
// limiting entirely.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[uuid.UUID]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Allow consumes one token from the user's bucket. An empty bucket
// fails with a not_authorized-distinct, retryable error code.
func (l *Limiter) Allow(userID uuid.UUID) error {
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[userID]
	if !ok {
		// First request starts with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[userID] = b
	}

	b.tokens += now.Sub(b.lastFill).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return domain.E(domain.CodeRateLimited, "rate limit exceeded, retry later")
	}
	b.tokens--
	return nil
}

// Forget drops a user's bucket, releasing its memory. Called when a
// user is deactivated.
func (l *Limiter) Forget(userID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, userID)
}
