package tool

import "sync"

// ResultCache replays committed results for side-effecting tools when no
// outbox is configured. Only successes are ever cached.
type ResultCache interface {
	Get(key string) (any, bool)
	Put(key string, value any)
}

// MemoryCache is the in-process result cache.
type MemoryCache struct {
	mu      sync.RWMutex
	results map[string]any
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{results: make(map[string]any)}
}

func (c *MemoryCache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.results[key]
	return v, ok
}

func (c *MemoryCache) Put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[key] = value
}
