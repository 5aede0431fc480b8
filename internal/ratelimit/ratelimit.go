// Package ratelimit bounds request rates in both directions.
//
// Window is the outbound limiter shared by every caller of the helpdesk API:
// a sliding window with a minimum gap between requests, a FIFO wait queue
// drained by a single goroutine, and a pause that widens on upstream 429s.
//
// Limiter is the inbound contract used by the HTTP middleware. The in-memory
// token bucket (MemoryLimiter) is the only implementation.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRateLimitExceeded is returned by Acquire under the reject strategy
	// when the window budget is spent.
	ErrRateLimitExceeded = errors.New("ratelimit: rate limit exceeded")

	// ErrQueueFull is returned when the wait queue is at its maximum depth.
	ErrQueueFull = errors.New("ratelimit: queue full")

	// ErrRequestAborted is returned when a caller's context ends while it is
	// waiting. The context cause is wrapped alongside it.
	ErrRequestAborted = errors.New("ratelimit: request aborted")

	// ErrClosed is returned to callers still queued when the limiter closes.
	ErrClosed = errors.New("ratelimit: limiter closed")
)

// Decision is the outcome of one inbound limiter check.
type Decision struct {
	Allowed bool
	// Remaining is the number of whole tokens left after this request.
	Remaining int
	// RetryAfter is how long until the next token, set when Allowed is false.
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use. An error means the
// limiter itself failed; the middleware fails open.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true, Remaining: -1}, nil
}

func (NoopLimiter) Close() error { return nil }
