// Package cache provides a small generic in-memory TTL cache.
// raced uses it for immutable seed graphs, which are fetched on every mod
// auth and every room load but never change once attached to a race.
package cache

import (
	"sync"
	"time"
)

// DefaultTTL is the default time-to-live for cache entries.
const DefaultTTL = 5 * time.Minute

// DefaultMaxEntries is the default maximum number of cache entries.
const DefaultMaxEntries = 256

// Options configures a Cache instance.
type Options struct {
	TTL        time.Duration // zero uses DefaultTTL
	MaxEntries int           // zero uses DefaultMaxEntries
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a generic TTL cache with insertion-order eviction at capacity.
// Keys must be comparable.
type Cache[K comparable, V any] struct {
	mu         sync.RWMutex
	entries    map[K]entry[V]
	order      []K
	ttl        time.Duration
	maxEntries int
}

// New creates a Cache with the given options.
func New[K comparable, V any](opts Options) *Cache[K, V] {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache[K, V]{
		entries:    make(map[K]entry[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// Get retrieves a value by key. Expired entries are removed lazily.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		var zero V
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		c.removeLocked(key)
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set adds or updates a cache entry, evicting the oldest insertion when at
// capacity.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.entries[key] = entry[V]{value: value, expiresAt: time.Now().Add(c.ttl)}
		return
	}

	if len(c.entries) >= c.maxEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.entries[key] = entry[V]{value: value, expiresAt: time.Now().Add(c.ttl)}
	c.order = append(c.order, key)
}

// Delete removes a single entry by key. No-op if absent.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// Len returns the number of entries currently held (including expired but
// not yet cleaned).
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache[K, V]) removeLocked(key K) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
