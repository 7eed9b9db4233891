// Package cache provides the unified TTL cache shared by all external
// enrichment clients. It is memory-bounded by entry count via LRU eviction;
// the configured budget is a soft target, not a hard byte limit.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/surfacehq/surfacescan/internal/core"
)

type entry struct {
	value     interface{}
	expiresAt time.Time
}

type Cache struct {
	mu         sync.Mutex
	lru        *lru.Cache[core.CacheKey, entry]
	defaultTTL time.Duration
	now        func() time.Time
}

// New returns a cache bounded to maxEntries. defaultTTL applies when Set is
// called with a non-positive ttl.
func New(maxEntries int, defaultTTL time.Duration) (*Cache, error) {
	l, err := lru.New[core.CacheKey, entry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{
		lru:        l,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}, nil
}

// Get returns the cached value for key. Expired entries are evicted on read
// and reported as misses.
func (c *Cache) Get(key core.CacheKey) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.lru.Remove(key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key. Concurrent writers race harmlessly: cached
// values are idempotent re-derivations of the same external fact, so
// last-write-wins is safe.
func (c *Cache) Set(key core.CacheKey, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Add(key, entry{
		value:     value,
		expiresAt: c.now().Add(ttl),
	})
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
