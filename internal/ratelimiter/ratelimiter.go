package ratelimiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// unlimitedRate stands in for rate.Inf, which has edge cases with burst accounting.
const unlimitedRate = 1_000_000_000

// RateLimiter is a token bucket wrapping golang.org/x/time/rate.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter with the given sustained rate and burst.
//
// Parameters:
//   - requestsPerSecond: Tokens added per second. 0 means unlimited.
//   - burst: Bucket capacity in tokens.
//
// Returns a configured RateLimiter.
func New(requestsPerSecond, burst uint) *RateLimiter {
	if requestsPerSecond == 0 {
		requestsPerSecond = unlimitedRate
		burst = requestsPerSecond
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(burst)),
	}
}

// Allow consumes one token if available and never waits.
//
// Thread safety:
// Safe to call concurrently.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// AllowN consumes n tokens if all are available.
func (r *RateLimiter) AllowN(n uint) bool {
	return r.limiter.AllowN(time.Now(), int(n))
}

// Wait blocks until a token is available or ctx is done.
//
// Returns:
//   - nil if a token was acquired
//   - context error if ctx was cancelled first
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Tokens returns the number of tokens currently in the bucket.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}

// KeyedLimiter keeps one token bucket per key (typically a client IP).
//
// Buckets that have not been used for IdleTTL are evicted lazily during
// Allow calls, so memory stays bounded by the active client population.
//
// Thread safety:
// All methods are safe for concurrent use.
type KeyedLimiter struct {
	requestsPerSecond uint
	burst             uint
	idleTTL           time.Duration

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	limiter  *RateLimiter
	lastSeen time.Time
}

// NewKeyed creates a KeyedLimiter.
//
// Parameters:
//   - requestsPerSecond: Sustained rate per key (0 = unlimited)
//   - burst: Bucket capacity per key
//   - idleTTL: Eviction age for unused buckets (0 defaults to 10 minutes)
func NewKeyed(requestsPerSecond, burst uint, idleTTL time.Duration) *KeyedLimiter {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &KeyedLimiter{
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
		idleTTL:           idleTTL,
		buckets:           make(map[string]*bucket),
		now:               time.Now,
	}
}

// Allow consumes one token from the bucket for key.
//
// Returns:
//   - true if the request is within the key's limit
//   - false if the key's bucket is empty
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	now := k.now()
	if now.Sub(k.lastSweep) >= k.idleTTL {
		k.sweepLocked(now)
	}
	b, ok := k.buckets[key]
	if !ok {
		b = &bucket{limiter: New(k.requestsPerSecond, k.burst)}
		k.buckets[key] = b
	}
	b.lastSeen = now
	k.mu.Unlock()

	return b.limiter.Allow()
}

// Len returns the number of tracked keys.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

func (k *KeyedLimiter) sweepLocked(now time.Time) {
	for key, b := range k.buckets {
		if now.Sub(b.lastSeen) >= k.idleTTL {
			delete(k.buckets, key)
		}
	}
	k.lastSweep = now
}
