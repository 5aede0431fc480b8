package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Strategy selects what Acquire does when the window budget is spent.
type Strategy string

const (
	StrategyQueue  Strategy = "queue"
	StrategyReject Strategy = "reject"
)

// WindowConfig configures a Window.
type WindowConfig struct {
	MaxRequests   int
	Window        time.Duration
	MinGap        time.Duration
	Strategy      Strategy
	MaxQueueDepth int
}

// DefaultWindowConfig stays 20% under the helpdesk's published cap of 100
// requests per minute.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		MaxRequests:   80,
		Window:        60 * time.Second,
		MinGap:        200 * time.Millisecond,
		Strategy:      StrategyQueue,
		MaxQueueDepth: 50,
	}
}

// Validate reports configuration that would make the limiter unusable.
func (c WindowConfig) Validate() error {
	switch {
	case c.MaxRequests <= 0:
		return fmt.Errorf("ratelimit: max requests must be positive")
	case c.Window <= 0:
		return fmt.Errorf("ratelimit: window must be positive")
	case c.MinGap < 0:
		return fmt.Errorf("ratelimit: min gap must not be negative")
	case c.Strategy != StrategyQueue && c.Strategy != StrategyReject:
		return fmt.Errorf("ratelimit: unknown strategy %q", c.Strategy)
	case c.Strategy == StrategyQueue && c.MaxQueueDepth <= 0:
		return fmt.Errorf("ratelimit: max queue depth must be positive")
	}
	return nil
}

// Stats is a point-in-time view of a Window.
type Stats struct {
	RequestsInWindow int     `json:"requests_in_window"`
	MaxRequests      int     `json:"max_requests"`
	UtilizationPct   float64 `json:"utilization_pct"`
	QueueDepth       int     `json:"queue_depth"`
	EstimatedWaitMs  int64   `json:"estimated_wait_ms"`
	CacheHits        int64   `json:"cache_hits"`
	Paused           bool    `json:"paused"`
}

type waiter struct {
	ctx   context.Context
	ready chan error // buffered(1); the drain loop sends exactly once
}

// Window is a sliding-window limiter with minimum request spacing.
//
// Uncontended callers reserve a slot directly. Once anyone is queued, every
// grant goes through one drain goroutine so waiters never race each other for
// the budget check.
type Window struct {
	cfg WindowConfig

	mu          sync.Mutex
	timestamps  []time.Time // ascending; may hold reserved future slots
	lastRequest time.Time
	pausedUntil time.Time
	queue       []*waiter
	draining    bool
	cacheHits   int64
	closed      bool

	now       func() time.Time
	closeOnce sync.Once
	done      chan struct{}
}

// NewWindow creates a Window. Invalid configuration is an error.
func NewWindow(cfg WindowConfig) (*Window, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Window{
		cfg:  cfg,
		now:  time.Now,
		done: make(chan struct{}),
	}, nil
}

// Acquire blocks until the caller may issue one request, or fails with
// ErrRateLimitExceeded, ErrQueueFull, ErrRequestAborted or ErrClosed.
func (w *Window) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrRequestAborted, context.Cause(ctx))
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	now := w.now()
	w.prune(now)

	if len(w.timestamps) < w.cfg.MaxRequests && len(w.queue) == 0 && !w.draining {
		at := w.earliestStart(now)
		w.reserve(at)
		w.mu.Unlock()
		return w.sleep(ctx, at.Sub(now))
	}

	if w.cfg.Strategy == StrategyReject {
		w.mu.Unlock()
		return ErrRateLimitExceeded
	}
	if len(w.queue) >= w.cfg.MaxQueueDepth {
		w.mu.Unlock()
		return ErrQueueFull
	}

	wt := &waiter{ctx: ctx, ready: make(chan error, 1)}
	w.queue = append(w.queue, wt)
	if !w.draining {
		w.draining = true
		go w.drain()
	}
	w.mu.Unlock()

	select {
	case err := <-wt.ready:
		return err
	case <-ctx.Done():
	}

	w.mu.Lock()
	if w.remove(wt) {
		w.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrRequestAborted, context.Cause(ctx))
	}
	w.mu.Unlock()

	// Already dequeued: the drain loop has sent or is about to send a verdict.
	// A slot granted to a cancelled caller stays spent.
	if err := <-wt.ready; err != nil {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRequestAborted, context.Cause(ctx))
}

// Record429 pauses all callers for retryAfter. A zero retryAfter pauses for
// one full window.
func (w *Window) Record429(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = w.cfg.Window
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	until := w.now().Add(retryAfter)
	if until.After(w.pausedUntil) {
		w.pausedUntil = until
	}
}

// RecordCacheHit notes a request served from cache. It never consumes budget.
func (w *Window) RecordCacheHit() {
	w.mu.Lock()
	w.cacheHits++
	w.mu.Unlock()
}

// Stats returns current utilization.
func (w *Window) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)
	inWindow := len(w.timestamps)

	var wait time.Duration
	if inWindow < w.cfg.MaxRequests && len(w.queue) == 0 {
		wait = w.earliestStart(now).Sub(now)
	} else {
		per := w.cfg.MinGap
		if spread := w.cfg.Window / time.Duration(w.cfg.MaxRequests); spread > per {
			per = spread
		}
		wait = time.Duration(len(w.queue)+1) * per
		if inWindow >= w.cfg.MaxRequests {
			wait += w.timestamps[0].Add(w.cfg.Window).Sub(now)
		}
		if p := w.pausedUntil.Sub(now); p > 0 {
			wait += p
		}
	}

	return Stats{
		RequestsInWindow: inWindow,
		MaxRequests:      w.cfg.MaxRequests,
		UtilizationPct:   float64(inWindow) / float64(w.cfg.MaxRequests) * 100,
		QueueDepth:       len(w.queue),
		EstimatedWaitMs:  wait.Milliseconds(),
		CacheHits:        w.cacheHits,
		Paused:           now.Before(w.pausedUntil),
	}
}

// Close rejects queued callers with ErrClosed and stops the drain loop.
func (w *Window) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		for _, wt := range w.queue {
			wt.ready <- ErrClosed
		}
		w.queue = nil
		w.mu.Unlock()
		close(w.done)
	})
	return nil
}

// drain serves queued waiters one at a time until the queue is empty.
func (w *Window) drain() {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 || w.closed {
			w.draining = false
			w.mu.Unlock()
			return
		}
		now := w.now()
		w.prune(now)

		var delay time.Duration
		switch {
		case now.Before(w.pausedUntil):
			delay = w.pausedUntil.Sub(now)
		case len(w.timestamps) >= w.cfg.MaxRequests:
			delay = w.timestamps[0].Add(w.cfg.Window).Sub(now)
		case w.lastRequest.Add(w.cfg.MinGap).After(now):
			delay = w.lastRequest.Add(w.cfg.MinGap).Sub(now)
		}
		if delay > 0 {
			w.mu.Unlock()
			w.idle(delay)
			continue
		}

		wt := w.queue[0]
		w.queue = w.queue[1:]
		if wt.ctx.Err() != nil {
			wt.ready <- fmt.Errorf("%w: %w", ErrRequestAborted, context.Cause(wt.ctx))
			w.mu.Unlock()
			continue
		}
		w.reserve(now)
		wt.ready <- nil
		w.mu.Unlock()
	}
}

// idle sleeps for d unless the limiter closes first.
func (w *Window) idle(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-w.done:
	}
}

// earliestStart is when an uncontended request may go out. Caller holds mu.
func (w *Window) earliestStart(now time.Time) time.Time {
	at := now
	if w.pausedUntil.After(at) {
		at = w.pausedUntil
	}
	if next := w.lastRequest.Add(w.cfg.MinGap); next.After(at) {
		at = next
	}
	return at
}

// reserve records a request slot at t. Caller holds mu.
func (w *Window) reserve(t time.Time) {
	w.timestamps = append(w.timestamps, t)
	w.lastRequest = t
}

// prune drops timestamps that have left the window. Caller holds mu.
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.cfg.Window)
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
	}
}

// remove deletes wt from the queue. Caller holds mu.
func (w *Window) remove(wt *waiter) bool {
	for i, q := range w.queue {
		if q == wt {
			w.queue = append(w.queue[:i], w.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (w *Window) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrRequestAborted, context.Cause(ctx))
	}
}
