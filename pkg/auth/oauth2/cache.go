package oauth2

import (
	"sync"
	"time"
)

// sweepThreshold is the cache size above which expired entries are purged
// on insert.
const sweepThreshold = 1024

type cacheEntry struct {
	info  *introspection
	until time.Time
}

// tokenCache holds active introspection results until they expire.
type tokenCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newTokenCache() *tokenCache {
	return &tokenCache{entries: make(map[string]cacheEntry)}
}

func (c *tokenCache) get(key string, now time.Time) (*introspection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(e.until) {
		delete(c.entries, key)
		return nil, false
	}
	return e.info, true
}

func (c *tokenCache) put(key string, info *introspection, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= sweepThreshold {
		now := time.Now()
		for k, e := range c.entries {
			if !now.Before(e.until) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = cacheEntry{info: info, until: until}
}

func (c *tokenCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
