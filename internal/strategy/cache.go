package strategy

import (
	"sync"
	"time"

	"amas/internal/clock"
	"amas/internal/types"
)

// Cache is the per-user strategy cache with TTL. Reads and read-modify-write
// cycles on one user are serialized by the single mutex; entries expire
// lazily on read.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   clock.Clock
	entries map[string]cacheEntry
}

type cacheEntry struct {
	params    types.StrategyParams
	expiresAt time.Time
}

// NewCache creates a strategy cache with the given TTL.
func NewCache(ttl time.Duration, clk clock.Clock) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{
		ttl:     ttl,
		clock:   clk,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the cached strategy for a user if still fresh.
func (c *Cache) Get(userID string) (types.StrategyParams, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	if !ok {
		return types.StrategyParams{}, false
	}
	if c.clock.Now().After(e.expiresAt) {
		delete(c.entries, userID)
		return types.StrategyParams{}, false
	}
	return e.params, true
}

// Put caches the strategy for a user for one TTL window.
func (c *Cache) Put(userID string, params types.StrategyParams) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = cacheEntry{
		params:    params,
		expiresAt: c.clock.Now().Add(c.ttl),
	}
}

// Invalidate drops the cached strategy for a user.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

// Len reports the number of live entries (expired entries may be counted
// until their next read).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
