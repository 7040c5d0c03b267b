package cache

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU is a size-bounded, thread-safe cache with optional TTL expiry.
type LRU[K comparable, V any] struct {
	cache *lru.Cache[K, entry[V]]
	ttl   time.Duration
	now   func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
	// evicted counts every removal: capacity, expiry and purge.
	evicted atomic.Uint64
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// New creates a cache holding at most size entries. ttl <= 0 disables expiry.
func New[K comparable, V any](size int, ttl time.Duration) (*LRU[K, V], error) {
	c := &LRU[K, V]{ttl: ttl, now: time.Now}
	inner, err := lru.NewWithEvict[K, entry[V]](size, func(K, entry[V]) {
		c.evicted.Add(1)
	})
	if err != nil {
		return nil, err
	}
	c.cache = inner
	return c, nil
}

// Get returns the cached value for key. Expired entries are dropped and
// reported as misses.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	e, ok := c.cache.Get(key)
	if ok && c.ttl > 0 && c.now().After(e.expiresAt) {
		c.cache.Remove(key)
		ok = false
	}
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Set stores value under key, evicting the least recently used entry when full.
func (c *LRU[K, V]) Set(key K, value V) {
	e := entry[V]{value: value}
	if c.ttl > 0 {
		e.expiresAt = c.now().Add(c.ttl)
	}
	c.cache.Add(key, e)
}

// Len returns the number of entries, expired ones included.
func (c *LRU[K, V]) Len() int {
	return c.cache.Len()
}

// Purge drops every entry. Dropped entries count as evictions.
func (c *LRU[K, V]) Purge() {
	c.cache.Purge()
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Evicted uint64  `json:"evicted"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns the current counters.
func (c *LRU[K, V]) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	s := Stats{
		Hits:    hits,
		Misses:  misses,
		Evicted: c.evicted.Load(),
		Size:    c.cache.Len(),
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}
