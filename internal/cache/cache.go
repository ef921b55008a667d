// Package cache provides the in-memory read-through cache sitting between
// the UI and the remote store, with per-entry TTLs and pattern invalidation.
package cache

import (
	"context"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/equihub-lab/equihub-core/internal/core/clock"
)

// Default TTLs by entity kind, matching the app's staleness tolerances.
const (
	TTLEvents   = 1 * time.Minute
	TTLHorses   = 3 * time.Minute
	TTLProfiles = 10 * time.Minute
	TTLStables  = 15 * time.Minute
	TTLCatalogs = 30 * time.Minute
)

// TTLFor returns the default TTL for a cached entity kind. Unknown kinds get
// the shortest default so stale data can never outlive its tolerance.
func TTLFor(kind string) time.Duration {
	switch kind {
	case "events":
		return TTLEvents
	case "horses":
		return TTLHorses
	case "profiles":
		return TTLProfiles
	case "stables":
		return TTLStables
	case "catalogs":
		return TTLCatalogs
	default:
		return TTLEvents
	}
}

// Stats counts cache outcomes, observable for tests.
type Stats struct {
	Hits   uint64
	Misses uint64
}

type entry struct {
	value     any
	expiresAt time.Time
}

// TTLCache is a thread-safe keyed cache with per-entry expiry.
type TTLCache struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]entry
	group   singleflight.Group
	stats   Stats
}

// New creates an empty cache reading time from c.
func New(c clock.Clock) *TTLCache {
	return &TTLCache{
		clock:   c,
		entries: make(map[string]entry),
	}
}

// Get returns the value at key iff it has not expired. Expired entries are
// evicted on access and count as misses.
func (c *TTLCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		delete(c.entries, key)
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return e.value, true
}

// Set stores value at key for ttl.
func (c *TTLCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expiresAt: c.clock.Now().Add(ttl)}
}

// InvalidatePattern removes every key matching the regular expression.
func (c *TTLCache) InvalidatePattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if re.MatchString(key) {
			delete(c.entries, key)
		}
	}
	return nil
}

// Wrap is the read-through path: a hit returns the cached value; a miss calls
// fetch, caches on success, and never caches failures. Concurrent misses for
// the same key share a single fetch.
func (c *TTLCache) Wrap(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: another caller may have populated the
		// entry between the miss and the flight starting.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})
	return v, err
}

// Stats returns a snapshot of hit/miss counters.
func (c *TTLCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Len reports the number of live entries, expired or not.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
