// Package ratelimit provides a pluggable per-tenant rate limiting interface.
//
// The default implementation is an in-memory token bucket per tenant
// (BucketLimiter). The Limiter interface is the contract so deployments can
// substitute a shared backend for cross-instance coordination.
package ratelimit

import "context"

// Limiter decides whether a request identified by a tenant token may proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Consume attempts to take n tokens from the tenant's bucket.
	// Returning an error signals a limiter malfunction; callers should treat
	// errors as fail-open rather than blocking traffic.
	Consume(ctx context.Context, token string, n int) (bool, error)

	// RetryAfter returns the suggested Retry-After value in whole seconds
	// for the tenant's bucket. Always at least 1.
	RetryAfter(token string) int

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Consume always returns true.
func (NoopLimiter) Consume(context.Context, string, int) (bool, error) { return true, nil }

// RetryAfter returns the minimum retry hint.
func (NoopLimiter) RetryAfter(string) int { return 1 }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
