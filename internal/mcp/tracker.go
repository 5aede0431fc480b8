package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// viewTracker records which approval requests a reviewer opened with
// madoguchi_get_approval so madoguchi_decide can nudge reviewers who decide
// a draft they never read. It is per process and advisory only.
type viewTracker struct {
	mu     sync.Mutex
	views  map[viewKey]time.Time
	window time.Duration
	now    func() time.Time
}

type viewKey struct {
	reviewer string
	actionID uuid.UUID
}

func newViewTracker(window time.Duration) *viewTracker {
	return &viewTracker{
		views:  make(map[viewKey]time.Time),
		window: window,
		now:    time.Now,
	}
}

// Record notes that reviewer opened the approval request for actionID.
func (t *viewTracker) Record(reviewer string, actionID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.views[viewKey{reviewer, actionID}] = t.now()

	if len(t.views) > 1000 {
		t.purgeStale()
	}
}

// Viewed reports whether reviewer opened actionID within the window.
func (t *viewTracker) Viewed(reviewer string, actionID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := viewKey{reviewer, actionID}
	ts, ok := t.views[k]
	if !ok {
		return false
	}
	if t.now().Sub(ts) > t.window {
		delete(t.views, k)
		return false
	}
	return true
}

// purgeStale drops entries older than the window. Must be called with mu held.
func (t *viewTracker) purgeStale() {
	now := t.now()
	for k, ts := range t.views {
		if now.Sub(ts) > t.window {
			delete(t.views, k)
		}
	}
}
