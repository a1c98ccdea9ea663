package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryCache is an in-process Cache with the same freshness semantics as
// the Redis implementation. It backs unit tests and serves as the degraded
// mode when Redis is unreachable at startup.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test helper.
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry{Payload: value, CachedAt: c.now(), TTL: ttl}
	c.mu.Unlock()
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	now := c.now()
	if e.expired(now) {
		delete(c.entries, key)
		return nil, false
	}
	if !e.fresh(now) {
		return nil, false
	}
	return e.Payload, true
}

func (c *MemoryCache) GetStaleAllowed(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(c.now()) {
		delete(c.entries, key)
		return nil, false
	}
	return e.Payload, true
}

func (c *MemoryCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *MemoryCache) InvalidateByPrefix(_ context.Context, prefix string) {
	c.mu.Lock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

func (c *MemoryCache) Exists(_ context.Context, key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[key]
	return ok
}
