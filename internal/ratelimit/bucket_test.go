package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(rate float64, burst int) (*BucketLimiter, *fakeClock) {
	l := NewBucketLimiter(rate, burst)
	clock := &fakeClock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	l.now = clock.now
	return l, clock
}

func TestConsumeWithinBurst(t *testing.T) {
	l, _ := newTestLimiter(1, 3)
	defer l.Close()

	for i := 0; i < 3; i++ {
		ok, err := l.Consume(context.Background(), "tok", 1)
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst should pass", i)
	}
	ok, err := l.Consume(context.Background(), "tok", 1)
	require.NoError(t, err)
	assert.False(t, ok, "request beyond burst should be rejected")
}

func TestRefill(t *testing.T) {
	l, clock := newTestLimiter(2, 4)
	defer l.Close()

	for i := 0; i < 4; i++ {
		ok, _ := l.Consume(context.Background(), "tok", 1)
		require.True(t, ok)
	}
	ok, _ := l.Consume(context.Background(), "tok", 1)
	require.False(t, ok)

	// 1 second at 2 rps refills two tokens.
	clock.advance(time.Second)
	ok, _ = l.Consume(context.Background(), "tok", 1)
	assert.True(t, ok)
	ok, _ = l.Consume(context.Background(), "tok", 1)
	assert.True(t, ok)
	ok, _ = l.Consume(context.Background(), "tok", 1)
	assert.False(t, ok)
}

func TestRefillCapsAtBurst(t *testing.T) {
	l, clock := newTestLimiter(10, 3)
	defer l.Close()

	ok, _ := l.Consume(context.Background(), "tok", 1)
	require.True(t, ok)

	// A long idle period must not accumulate more than burst.
	clock.advance(time.Hour)
	for i := 0; i < 3; i++ {
		ok, _ := l.Consume(context.Background(), "tok", 1)
		require.True(t, ok)
	}
	ok, _ = l.Consume(context.Background(), "tok", 1)
	assert.False(t, ok)
}

func TestFractionalRefillNotLost(t *testing.T) {
	// At 0.5 rps a full token takes 2 seconds. Sub-second polls must not
	// reset the accrual window.
	l, clock := newTestLimiter(0.5, 1)
	defer l.Close()

	ok, _ := l.Consume(context.Background(), "tok", 1)
	require.True(t, ok)

	clock.advance(900 * time.Millisecond)
	ok, _ = l.Consume(context.Background(), "tok", 1)
	require.False(t, ok)

	clock.advance(1100 * time.Millisecond)
	ok, _ = l.Consume(context.Background(), "tok", 1)
	assert.True(t, ok, "token accrued across polls should be granted")
}

func TestBucketsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, 1)
	defer l.Close()

	ok, _ := l.Consume(context.Background(), "tok-a", 1)
	require.True(t, ok)
	ok, _ = l.Consume(context.Background(), "tok-a", 1)
	require.False(t, ok)

	ok, _ = l.Consume(context.Background(), "tok-b", 1)
	assert.True(t, ok, "tenant b has its own bucket")
}

func TestRetryAfter(t *testing.T) {
	l, _ := newTestLimiter(2, 1)
	defer l.Close()

	ok, _ := l.Consume(context.Background(), "tok", 1)
	require.True(t, ok)

	// Empty bucket at 2 rps: one token in 0.5s, reported as ceil = 1.
	assert.Equal(t, 1, l.RetryAfter("tok"))

	slow, _ := newTestLimiter(0.1, 1)
	defer slow.Close()
	ok, _ = slow.Consume(context.Background(), "tok", 1)
	require.True(t, ok)
	assert.Equal(t, 10, slow.RetryAfter("tok"))
}

func TestRetryAfterMinimumOne(t *testing.T) {
	l, _ := newTestLimiter(100, 5)
	defer l.Close()
	assert.GreaterOrEqual(t, l.RetryAfter("fresh"), 1)
}

func TestEvictStale(t *testing.T) {
	l, clock := newTestLimiter(1, 1)
	defer l.Close()

	_, _ = l.Consume(context.Background(), "tok", 1)
	clock.advance(staleThreshold + time.Minute)
	l.evictStale()

	_, ok := l.buckets.Load("tok")
	assert.False(t, ok, "stale bucket should be evicted")
}

func TestNoopLimiter(t *testing.T) {
	var l Limiter = NoopLimiter{}
	ok, err := l.Consume(context.Background(), "any", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, l.RetryAfter("any"))
	assert.NoError(t, l.Close())
}

func TestCloseIdempotent(t *testing.T) {
	l, _ := newTestLimiter(1, 1)
	assert.NoError(t, l.Close())
	assert.NoError(t, l.Close())
}
