package cache

import (
	"sync"
	"time"

	"nyyu-pricefeed/internal/models"
)

type localEntry struct {
	tick     models.Tick
	cachedAt time.Time
}

// LocalCache is the in-process tier: short TTL, newest tick wins
type LocalCache struct {
	mu      sync.RWMutex
	entries map[string]localEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewLocalCache(ttl time.Duration) *LocalCache {
	return &LocalCache{
		entries: make(map[string]localEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Set stores the tick unless a live entry holds a newer one
func (c *LocalCache) Set(tick models.Tick) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if cur, ok := c.entries[tick.Pair]; ok && c.live(cur, now) && cur.tick.NewerThan(tick) {
		return false
	}
	c.entries[tick.Pair] = localEntry{tick: tick, cachedAt: now}
	return true
}

func (c *LocalCache) Get(pair string) (models.Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[pair]
	if !ok || !c.live(e, c.now()) {
		return models.Tick{}, false
	}
	return e.tick, true
}

// Len counts live entries
func (c *LocalCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	n := 0
	for _, e := range c.entries {
		if c.live(e, now) {
			n++
		}
	}
	return n
}

// OldestAge returns the age of the oldest live tick
func (c *LocalCache) OldestAge() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	var oldest time.Duration
	found := false
	for _, e := range c.entries {
		if !c.live(e, now) {
			continue
		}
		if age := e.tick.Age(now); !found || age > oldest {
			oldest = age
			found = true
		}
	}
	return oldest, found
}

// Sweep drops expired entries and returns how many were removed
func (c *LocalCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for pair, e := range c.entries {
		if !c.live(e, now) {
			delete(c.entries, pair)
			removed++
		}
	}
	return removed
}

func (c *LocalCache) live(e localEntry, now time.Time) bool {
	return now.Sub(e.cachedAt) < c.ttl
}
