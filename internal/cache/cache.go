// Package cache is a TTL map for heavy GET responses. Writes that change the
// underlying data invalidate the affected keys.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Conventional TTLs per cached view.
const (
	TTLServers  = 10 * time.Second
	TTLStats    = 30 * time.Second
	TTLActivity = 15 * time.Second
)

type item struct {
	value   any
	expires time.Time
}

// Cache is a mutex-guarded key → (value, expiry) map.
type Cache struct {
	mu    sync.RWMutex
	items map[string]item
}

// New builds an empty cache.
func New() *Cache {
	return &Cache{items: make(map[string]item)}
}

// Get returns the cached value when present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(it.expires) {
		return nil, false
	}
	return it.value, true
}

// Set stores a value with a TTL.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	c.items[key] = item{value: value, expires: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Delete removes one key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// InvalidatePrefix removes every key with the prefix. Used when a write
// touches a family of cached views (e.g. "servers:").
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
		}
	}
	c.mu.Unlock()
}

// Flush empties the cache.
func (c *Cache) Flush() {
	c.mu.Lock()
	c.items = make(map[string]item)
	c.mu.Unlock()
}

// Len reports the number of entries including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// sweep removes expired entries.
func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	for key, it := range c.items {
		if now.After(it.expires) {
			delete(c.items, key)
		}
	}
	c.mu.Unlock()
}

// StartJanitor sweeps expired entries on an interval until the context ends.
func (c *Cache) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}
