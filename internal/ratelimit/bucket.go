package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// bucket is a single token bucket for one tenant.
// Its mutex serializes Consume calls for that tenant only; buckets for
// different tenants never contend.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// BucketLimiter implements Limiter with one in-memory token bucket per tenant.
//
// Buckets are created on first consume with a full allotment of burst tokens
// and refilled at rate tokens per second, capped at burst. A background
// goroutine evicts buckets idle longer than ten minutes to bound memory.
type BucketLimiter struct {
	rate  float64 // tokens added per second
	burst float64 // bucket capacity

	buckets sync.Map // token -> *bucket; LoadOrStore gives first-writer-wins creation

	now func() time.Time // injectable clock for tests

	stopOnce sync.Once
	done     chan struct{}
}

// NewBucketLimiter creates a token bucket limiter.
//   - rate: sustained requests per second per tenant
//   - burst: maximum burst size (bucket capacity)
//
// Call Close to stop the eviction goroutine.
func NewBucketLimiter(rate float64, burst int) *BucketLimiter {
	l := &BucketLimiter{
		rate:  rate,
		burst: float64(burst),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Consume takes n tokens from the tenant's bucket, refilling first based on
// elapsed time. Returns true if the bucket held at least n tokens.
func (l *BucketLimiter) Consume(_ context.Context, token string, n int) (bool, error) {
	b := l.lookup(token)

	b.mu.Lock()
	defer b.mu.Unlock()

	l.refillLocked(b)

	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true, nil
	}
	return false, nil
}

// RetryAfter suggests how many whole seconds until one token is available.
func (l *BucketLimiter) RetryAfter(token string) int {
	b := l.lookup(token)

	b.mu.Lock()
	defer b.mu.Unlock()

	l.refillLocked(b)

	wait := math.Ceil((1 - b.tokens) / l.rate)
	if wait < 1 {
		return 1
	}
	return int(wait)
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (l *BucketLimiter) Close() error {
	l.stopOnce.Do(func() { close(l.done) })
	return nil
}

func (l *BucketLimiter) lookup(token string) *bucket {
	if v, ok := l.buckets.Load(token); ok {
		return v.(*bucket)
	}
	v, _ := l.buckets.LoadOrStore(token, &bucket{
		tokens:     l.burst,
		lastRefill: l.now(),
	})
	return v.(*bucket)
}

// refillLocked adds floor(elapsed*rate) tokens, capped at burst.
// Caller holds b.mu.
func (l *BucketLimiter) refillLocked(b *bucket) {
	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	add := math.Floor(elapsed * l.rate)
	if add > 0 {
		b.tokens += add
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
		// Only advance the refill clock when tokens were actually granted,
		// otherwise sub-second fractions are lost for slow refill rates.
		b.lastRefill = now
	}
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts buckets that haven't refilled recently.
func (l *BucketLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evictStale()
		}
	}
}

func (l *BucketLimiter) evictStale() {
	cutoff := l.now().Add(-staleThreshold)
	l.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		stale := b.lastRefill.Before(cutoff)
		b.mu.Unlock()
		if stale {
			l.buckets.Delete(key)
		}
		return true
	})
}
