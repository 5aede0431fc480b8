package ratelimit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWindow(t *testing.T, cfg WindowConfig) *Window {
	t.Helper()
	w, err := NewWindow(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestWindowQueueServesEveryCallerWithinBudget(t *testing.T) {
	cfg := WindowConfig{
		MaxRequests:   5,
		Window:        300 * time.Millisecond,
		MinGap:        20 * time.Millisecond,
		Strategy:      StrategyQueue,
		MaxQueueDepth: 50,
	}
	w := newTestWindow(t, cfg)

	const callers = 10 // MaxRequests + 5
	var (
		mu     sync.Mutex
		grants []time.Time
		wg     sync.WaitGroup
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := w.Acquire(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			grants = append(grants, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, grants, callers)
	sort.Slice(grants, func(i, j int) bool { return grants[i].Before(grants[j]) })

	// Timer wakeups can be late, so allow a little slack on both bounds.
	const slack = 10 * time.Millisecond
	for i := 1; i < len(grants); i++ {
		assert.GreaterOrEqual(t, grants[i].Sub(grants[i-1]), cfg.MinGap-slack,
			"grants %d and %d closer than the minimum gap", i-1, i)
	}
	for i := range grants {
		inWindow := 0
		for j := i; j < len(grants) && grants[j].Sub(grants[i]) < cfg.Window-slack; j++ {
			inWindow++
		}
		assert.LessOrEqual(t, inWindow, cfg.MaxRequests, "window starting at grant %d over budget", i)
	}

	st := w.Stats()
	assert.Equal(t, 0, st.QueueDepth)
}

func TestWindowRejectStrategyFailsImmediately(t *testing.T) {
	w := newTestWindow(t, WindowConfig{
		MaxRequests: 3,
		Window:      time.Second,
		Strategy:    StrategyReject,
	})

	for i := range 3 {
		require.NoError(t, w.Acquire(context.Background()), "request %d", i)
	}

	start := time.Now()
	err := w.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "reject must not wait")
}

func TestWindowQueueFullAndCancellation(t *testing.T) {
	w := newTestWindow(t, WindowConfig{
		MaxRequests:   1,
		Window:        10 * time.Second,
		Strategy:      StrategyQueue,
		MaxQueueDepth: 2,
	})
	require.NoError(t, w.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 2)
	for range 2 {
		go func() { errs <- w.Acquire(ctx) }()
	}
	require.Eventually(t, func() bool { return w.Stats().QueueDepth == 2 }, time.Second, 5*time.Millisecond)

	err := w.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrQueueFull)

	cancel()
	for range 2 {
		err := <-errs
		assert.ErrorIs(t, err, ErrRequestAborted)
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, 0, w.Stats().QueueDepth, "cancelled waiters leave the queue")
}

func TestWindowAcquireWithDoneContext(t *testing.T) {
	w := newTestWindow(t, DefaultWindowConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.Acquire(ctx)
	assert.ErrorIs(t, err, ErrRequestAborted)
	assert.Equal(t, 0, w.Stats().RequestsInWindow, "an aborted caller reserves nothing")
}

func TestWindowRecord429Pauses(t *testing.T) {
	w := newTestWindow(t, WindowConfig{
		MaxRequests:   10,
		Window:        time.Second,
		Strategy:      StrategyQueue,
		MaxQueueDepth: 10,
	})

	w.Record429(100 * time.Millisecond)
	assert.True(t, w.Stats().Paused)

	start := time.Now()
	require.NoError(t, w.Acquire(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestWindowRecord429OnlyWidens(t *testing.T) {
	w := newTestWindow(t, DefaultWindowConfig())
	w.Record429(time.Hour)
	w.Record429(time.Second)

	w.mu.Lock()
	remaining := time.Until(w.pausedUntil)
	w.mu.Unlock()
	assert.Greater(t, remaining, 59*time.Minute, "a shorter retry-after must not shrink the pause")
}

func TestWindowRecord429DefaultsToWindow(t *testing.T) {
	w := newTestWindow(t, WindowConfig{MaxRequests: 1, Window: 30 * time.Second, Strategy: StrategyReject})
	w.Record429(0)

	w.mu.Lock()
	remaining := time.Until(w.pausedUntil)
	w.mu.Unlock()
	assert.InDelta(t, float64(30*time.Second), float64(remaining), float64(time.Second))
}

func TestWindowCacheHitsDoNotConsumeBudget(t *testing.T) {
	w := newTestWindow(t, WindowConfig{MaxRequests: 4, Window: time.Minute, Strategy: StrategyReject})
	for range 100 {
		w.RecordCacheHit()
	}
	require.NoError(t, w.Acquire(context.Background()))
	require.NoError(t, w.Acquire(context.Background()))

	st := w.Stats()
	assert.Equal(t, 2, st.RequestsInWindow)
	assert.Equal(t, 4, st.MaxRequests)
	assert.InDelta(t, 50.0, st.UtilizationPct, 0.001)
	assert.Equal(t, int64(100), st.CacheHits)
	assert.Zero(t, st.EstimatedWaitMs)
}

func TestWindowStatsEstimateWhenFull(t *testing.T) {
	w := newTestWindow(t, WindowConfig{MaxRequests: 1, Window: time.Minute, Strategy: StrategyReject})
	require.NoError(t, w.Acquire(context.Background()))

	st := w.Stats()
	assert.Equal(t, 100.0, st.UtilizationPct)
	assert.Greater(t, st.EstimatedWaitMs, int64(59_000))
}

func TestWindowCloseRejectsQueued(t *testing.T) {
	w, err := NewWindow(WindowConfig{MaxRequests: 1, Window: time.Minute, Strategy: StrategyQueue, MaxQueueDepth: 5})
	require.NoError(t, err)
	require.NoError(t, w.Acquire(context.Background()))

	errs := make(chan error, 1)
	go func() { errs <- w.Acquire(context.Background()) }()
	require.Eventually(t, func() bool { return w.Stats().QueueDepth == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Close())
	assert.ErrorIs(t, <-errs, ErrClosed)
	assert.ErrorIs(t, w.Acquire(context.Background()), ErrClosed)
	require.NoError(t, w.Close(), "Close is idempotent")
}

func TestWindowConfigValidate(t *testing.T) {
	require.NoError(t, DefaultWindowConfig().Validate())

	cases := map[string]func(*WindowConfig){
		"zero max":       func(c *WindowConfig) { c.MaxRequests = 0 },
		"zero window":    func(c *WindowConfig) { c.Window = 0 },
		"negative gap":   func(c *WindowConfig) { c.MinGap = -time.Millisecond },
		"bogus strategy": func(c *WindowConfig) { c.Strategy = "drop" },
		"zero depth":     func(c *WindowConfig) { c.MaxQueueDepth = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultWindowConfig()
			mutate(&cfg)
			_, err := NewWindow(cfg)
			assert.Error(t, err)
		})
	}
}

func TestWindowAbortedErrorUnwraps(t *testing.T) {
	cause := errors.New("shutting down")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(cause)

	w := newTestWindow(t, DefaultWindowConfig())
	err := w.Acquire(ctx)
	assert.ErrorIs(t, err, ErrRequestAborted)
	assert.ErrorIs(t, err, cause)
}
