// Package cache provides a size-bounded TTL cache used to keep reference
// windows and recent analysis artifacts in memory between monitoring cycles,
// so each cycle does not re-fetch unchanged reference data.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TTLCache is a thread-safe LRU cache with per-cache TTL expiration. Size
// bounds keep memory flat when many models are monitored.
type TTLCache[K comparable, V any] struct {
	cache   *lru.Cache[K, *entry[V]]
	ttl     time.Duration
	mu      sync.RWMutex
	hits    uint64
	misses  uint64
	evicted uint64
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// New creates a TTL cache holding at most size entries. ttl of 0 disables
// expiration.
func New[K comparable, V any](size int, ttl time.Duration) (*TTLCache[K, V], error) {
	inner, err := lru.New[K, *entry[V]](size)
	if err != nil {
		return nil, err
	}
	return &TTLCache[K, V]{cache: inner, ttl: ttl}, nil
}

// Get returns the cached value, or false if absent or expired. Takes the
// write lock: the hit and miss counters mutate on every lookup.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.cache.Get(key)
	if !ok || (c.ttl > 0 && time.Now().After(e.expiresAt)) {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Set stores a value, evicting the least recently used entry when full.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Time{}
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}
	if c.cache.Add(key, &entry[V]{value: value, expiresAt: expiresAt}) {
		c.evicted++
	}
}

// Delete removes a key. Used when a patch apply or rollback invalidates the
// model's cached reference artifacts.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(key)
}

// Len returns the number of entries, expired ones included.
func (c *TTLCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache.Len()
}

// Purge drops every entry.
func (c *TTLCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Evicted uint64  `json:"evicted"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns a point-in-time snapshot of the counters.
func (c *TTLCache[K, V]) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:    c.hits,
		Misses:  c.misses,
		Evicted: c.evicted,
		Size:    c.cache.Len(),
		HitRate: rate,
	}
}

// CleanupExpired evicts expired entries eagerly. O(n), so callers run it on a
// slow timer rather than per access.
func (c *TTLCache[K, V]) CleanupExpired() int {
	if c.ttl == 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, key := range c.cache.Keys() {
		if e, ok := c.cache.Peek(key); ok && now.After(e.expiresAt) {
			c.cache.Remove(key)
			removed++
		}
	}
	return removed
}

// ReferenceWindow is the per-model reference sample cached between cycles,
// stored column-major to match what the comparator consumes.
type ReferenceWindow struct {
	Columns   [][]float64
	Labels    []float64
	FetchedAt time.Time
}

// ReferenceCache caches reference windows by model ID.
type ReferenceCache = TTLCache[string, *ReferenceWindow]

// NewReferenceCache builds the reference-window cache with monitoring-friendly
// defaults.
func NewReferenceCache(size int, ttl time.Duration) (*ReferenceCache, error) {
	return New[string, *ReferenceWindow](size, ttl)
}
