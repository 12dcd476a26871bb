package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache implements Cache with in-process maps. Used when Redis is not
// configured and in tests. Expired entries are dropped lazily on read.
type MemoryCache struct {
	mu     sync.RWMutex
	items  map[string]memEntry
	hashes map[string]map[string]string
	now    func() time.Time
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		items:  make(map[string]memEntry),
		hashes: make(map[string]map[string]string),
		now:    time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return "", false
	}
	return e.value, true
}

func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) {
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = e
	c.mu.Unlock()
}

func (c *MemoryCache) HSet(_ context.Context, hash, field, value string) {
	c.mu.Lock()
	h, ok := c.hashes[hash]
	if !ok {
		h = make(map[string]string)
		c.hashes[hash] = h
	}
	h[field] = value
	c.mu.Unlock()
}

func (c *MemoryCache) HGet(_ context.Context, hash, field string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.hashes[hash]
	if !ok {
		return "", false
	}
	val, ok := h[field]
	return val, ok
}
