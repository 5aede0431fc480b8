// Package cache holds helpdesk GET responses in three TTL tiers.
//
// The tier of a key depends only on its path. Bare collection roots such as
// /inboxes never expire, tag listings live for minutes, and everything else
// (conversations, messages, any nested listing) lives for seconds.
package cache

import (
	"net/url"
	"strings"
	"sync"
	"time"
)

// Tier controls how long an entry lives.
type Tier string

const (
	TierStatic Tier = "static"
	TierWarm   Tier = "warm"
	TierHot    Tier = "hot"
)

// staticRoots are collection listings that change on admin action only.
var staticRoots = map[string]bool{
	"inboxes":   true,
	"teammates": true,
	"teams":     true,
	"channels":  true,
}

// Classify maps a request path to its tier. Query strings are ignored.
func Classify(path string) Tier {
	segs := segments(path)
	switch {
	case len(segs) == 1 && staticRoots[segs[0]]:
		return TierStatic
	case len(segs) >= 1 && len(segs) <= 2 && segs[0] == "tags":
		return TierWarm
	default:
		return TierHot
	}
}

// ResourcePrefix returns the "/collection/id" prefix a mutation on path
// affects. Single-segment paths map to the collection itself.
func ResourcePrefix(path string) string {
	segs := segments(path)
	switch len(segs) {
	case 0:
		return "/"
	case 1:
		return "/" + segs[0]
	default:
		return "/" + segs[0] + "/" + segs[1]
	}
}

func segments(path string) []string {
	if u, err := url.Parse(path); err == nil {
		path = u.Path
	}
	return strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
}

// Config sets the TTL of the expiring tiers.
type Config struct {
	WarmTTL time.Duration
	HotTTL  time.Duration
}

// DefaultConfig returns 5 minute warm and 30 second hot TTLs.
func DefaultConfig() Config {
	return Config{WarmTTL: 5 * time.Minute, HotTTL: 30 * time.Second}
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Entries int          `json:"entries"`
	ByTier  map[Tier]int `json:"by_tier"`
	Hits    int64        `json:"hits"`
	Misses  int64        `json:"misses"`
	HitRate float64      `json:"hit_rate"`
}

type entry struct {
	value    []byte
	tier     Tier
	storedAt time.Time
}

// Cache is safe for concurrent use. Values are raw response bodies and are
// never mutated after Set.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	hits    int64
	misses  int64

	cfg  Config
	now  func() time.Time
	done chan struct{}
	once sync.Once
}

// New creates a cache and starts its eviction goroutine. Call Close to stop it.
func New(cfg Config) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		cfg:     cfg,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get returns the body cached for path, if present and unexpired.
func (c *Cache) Get(path string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[path]
	if !ok || c.expired(e, c.now()) {
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Set stores body under path in the tier Classify assigns.
func (c *Cache) Set(path string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = entry{value: body, tier: Classify(path), storedAt: c.now()}
}

// Invalidate removes every key equal to prefix or nested under it and
// returns how many were removed. "/conversations/cnv_1" matches
// "/conversations/cnv_1/messages" but not "/conversations/cnv_10".
func (c *Cache) Invalidate(prefix string) int {
	prefix = strings.TrimSuffix(prefix, "/")
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key := range c.entries {
		if key == prefix || strings.HasPrefix(key, prefix+"/") || strings.HasPrefix(key, prefix+"?") {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

// InvalidateTier removes every entry in tier.
func (c *Cache) InvalidateTier(tier Tier) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, e := range c.entries {
		if e.tier == tier {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

// Clear empties the cache and resets its counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
	c.hits, c.misses = 0, 0
}

// Stats reports live entries per tier and the hit rate since the last Clear.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	st := Stats{ByTier: map[Tier]int{TierStatic: 0, TierWarm: 0, TierHot: 0}, Hits: c.hits, Misses: c.misses}
	for _, e := range c.entries {
		if c.expired(e, now) {
			continue
		}
		st.Entries++
		st.ByTier[e.tier]++
	}
	if total := c.hits + c.misses; total > 0 {
		st.HitRate = float64(c.hits) / float64(total)
	}
	return st
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Cache) ttl(t Tier) time.Duration {
	switch t {
	case TierWarm:
		return c.cfg.WarmTTL
	case TierHot:
		return c.cfg.HotTTL
	default:
		return 0
	}
}

func (c *Cache) expired(e entry, now time.Time) bool {
	if e.tier == TierStatic {
		return false
	}
	return now.Sub(e.storedAt) >= c.ttl(e.tier)
}

// evictLoop removes expired entries every minute.
func (c *Cache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, key)
		}
	}
}
