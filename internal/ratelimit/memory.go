package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

const (
	defaultIdleTTL   = 10 * time.Minute
	evictionInterval = time.Minute
)

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// MemoryLimiter is a token bucket per key, keyed by reviewer or client IP.
// Buckets idle longer than idleTTL are dropped by a background goroutine;
// a dropped bucket comes back full, which is what a refill would give anyway.
type MemoryLimiter struct {
	rate    float64 // tokens per second
	burst   float64
	idleTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	closeOnce sync.Once
	done      chan struct{}
}

// NewMemoryLimiter refills at rate tokens per second up to burst. A rate of
// zero or less never refills. Close stops the eviction goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(max(burst, 1)),
		idleTTL: defaultIdleTTL,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

// Allow spends one token from key's bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b := m.refill(key, now)
	if b.tokens < 1 {
		return Decision{RetryAfter: m.untilNextToken(b.tokens)}, nil
	}
	b.tokens--
	return Decision{Allowed: true, Remaining: int(b.tokens)}, nil
}

// refill returns key's bucket topped up for the time since it was last seen.
// Callers hold mu.
func (m *MemoryLimiter) refill(key string, now time.Time) *bucket {
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.burst, lastSeen: now}
		m.buckets[key] = b
		return b
	}
	if elapsed := now.Sub(b.lastSeen); elapsed > 0 && m.rate > 0 {
		b.tokens = math.Min(m.burst, b.tokens+elapsed.Seconds()*m.rate)
	}
	b.lastSeen = now
	return b
}

func (m *MemoryLimiter) untilNextToken(tokens float64) time.Duration {
	if m.rate <= 0 {
		return m.idleTTL
	}
	wait := time.Duration((1 - tokens) / m.rate * float64(time.Second))
	return max(wait, time.Millisecond)
}

// Close stops the eviction goroutine. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) evictLoop() {
	t := time.NewTicker(evictionInterval)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			m.evictIdle()
		}
	}
}

func (m *MemoryLimiter) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.idleTTL)
	for key, b := range m.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
