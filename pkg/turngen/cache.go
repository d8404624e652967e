package turngen

import (
	"sync"
)

// Cache stores completed generation results keyed by provider and
// request id. Implementations must support concurrent lookups and
// inserts; entries for unrelated keys are never merged.
type Cache interface {
	Get(key string) (*Result, bool)
	Put(key string, res *Result)
}

// MemoryCache is the default in-process cache. Entries live until the
// process exits; the owning call's lifetime bounds how long a key is
// ever looked up again.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Result
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]Result)}
}

func (c *MemoryCache) Get(key string) (*Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	out := res
	return &out, true
}

func (c *MemoryCache) Put(key string, res *Result) {
	if res == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = *res
}

// Len returns the number of cached results.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
