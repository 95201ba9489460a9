package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAllow verifies that Allow() enforces the burst and refills over time.
func TestAllow(t *testing.T) {
	limiter := New(10, 10)

	for i := 0; i < 10; i++ {
		require.True(t, limiter.Allow(), "request %d should be allowed (within burst)", i)
	}
	assert.False(t, limiter.Allow(), "request should be rate-limited after burst exhausted")

	// 100ms at 10 req/s refills one token
	time.Sleep(110 * time.Millisecond)
	assert.True(t, limiter.Allow(), "request should be allowed after token replenishment")
}

func TestUnlimited(t *testing.T) {
	limiter := New(0, 0)
	for i := 0; i < 10000; i++ {
		require.True(t, limiter.Allow())
	}
}

func TestAllowN(t *testing.T) {
	limiter := New(10, 10)

	assert.True(t, limiter.AllowN(5))
	assert.True(t, limiter.AllowN(5))
	assert.False(t, limiter.AllowN(1))
}

// TestWaitContextCancellation verifies that Wait() respects context cancellation.
func TestWaitContextCancellation(t *testing.T) {
	limiter := New(1, 1)
	require.True(t, limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.Error(t, limiter.Wait(ctx))
}

func TestKeyedLimiterIsolatesKeys(t *testing.T) {
	k := NewKeyed(1, 2, time.Minute)

	assert.True(t, k.Allow("10.0.0.1"))
	assert.True(t, k.Allow("10.0.0.1"))
	assert.False(t, k.Allow("10.0.0.1"), "third request from same key exceeds burst")

	assert.True(t, k.Allow("10.0.0.2"), "other keys have their own bucket")
	assert.Equal(t, 2, k.Len())
}

func TestKeyedLimiterEvictsIdleBuckets(t *testing.T) {
	k := NewKeyed(1, 1, time.Minute)
	now := time.Unix(1000, 0)
	k.now = func() time.Time { return now }

	k.Allow("a")
	k.Allow("b")
	require.Equal(t, 2, k.Len())

	now = now.Add(2 * time.Minute)
	k.Allow("c")

	assert.Equal(t, 1, k.Len(), "idle buckets are evicted on the next sweep")
}
