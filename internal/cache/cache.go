// Package cache provides the read-through cache used by the tool registry.
//
// Two implementations are available: an in-memory cache with TTL support and
// background expiry (the default), and a Redis-backed cache for deployments
// where several gateway instances should share tool results. Both are safe
// for concurrent use.
package cache

import (
	"sync"
	"time"
)

// Cache provides thread-safe caching with expiration support.
type Cache interface {
	// Get retrieves a value from the cache. Returns false if not found or expired.
	Get(key string) (any, bool)
	// Set stores a value in the cache with the specified TTL.
	Set(key string, value any, ttl time.Duration)
	// Delete removes a value from the cache.
	Delete(key string)
	// Clear removes all values from the cache.
	Clear()
	// Stats returns cache statistics.
	Stats() Stats
}

// Stats holds cache performance counters.
type Stats struct {
	Hits        int64 // successful Get operations
	Misses      int64 // failed Get operations (not found or expired)
	Sets        int64 // Set operations
	Evictions   int64 // expired entries removed by the janitor
	CurrentSize int   // current number of cached entries
}

// entry represents a cached value with its expiration time.
type entry struct {
	value      any
	expiration time.Time
}

// isExpired reports whether the entry has expired.
func (e *entry) isExpired() bool {
	return time.Now().After(e.expiration)
}

// memoryCache is an in-memory implementation of Cache.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	stats   Stats
	janitor *janitor
}

// Compile-time interface assertion.
var _ Cache = (*memoryCache)(nil)

// NewMemory creates a new in-memory cache with automatic cleanup. The
// cleanupInterval determines how often expired entries are removed; a value
// of 0 disables the background janitor (expired entries are then only
// dropped lazily on Get).
func NewMemory(cleanupInterval time.Duration) Cache {
	c := &memoryCache{
		entries: make(map[string]*entry),
	}

	if cleanupInterval > 0 {
		c.janitor = &janitor{
			interval: cleanupInterval,
			stop:     make(chan struct{}),
		}
		go c.janitor.run(c)
	}

	return c
}

// Get retrieves a value from the cache.
func (c *memoryCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[key]
	if !found || e.isExpired() {
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	return e.value, true
}

// Set stores a value in the cache.
func (c *memoryCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &entry{
		value:      value,
		expiration: time.Now().Add(ttl),
	}
	c.stats.Sets++
}

// Delete removes a value from the cache.
func (c *memoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes all values from the cache.
func (c *memoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// Stats returns cache statistics.
func (c *memoryCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.stats
	stats.CurrentSize = len(c.entries)
	return stats
}

// deleteExpired removes all expired entries and returns how many were dropped.
func (c *memoryCache) deleteExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for key, e := range c.entries {
		if e.isExpired() {
			delete(c.entries, key)
			count++
		}
	}
	c.stats.Evictions += int64(count)
	return count
}

// Stop terminates the background janitor, if one is running.
func (c *memoryCache) Stop() {
	if c.janitor != nil {
		c.janitor.stopOnce.Do(func() {
			close(c.janitor.stop)
		})
	}
}

// janitor periodically removes expired entries from a memoryCache.
type janitor struct {
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// run loops until stopped, sweeping expired entries every interval.
func (j *janitor) run(c *memoryCache) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.deleteExpired()
		case <-j.stop:
			return
		}
	}
}
