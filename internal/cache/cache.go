// SPDX-License-Identifier: MIT

// Package cache holds short-lived availability snapshots so the
// availability endpoint does not hit the directory store on every poll.
// The cached value is advisory; acquisition never consults it.
package cache

import (
	"context"
	"sync"
	"time"
)

// AvailabilityCache stores one per-role availability snapshot with a TTL.
type AvailabilityCache interface {
	// Get returns the cached snapshot, or false when absent or expired.
	Get(ctx context.Context) (map[string]int, bool)
	// Set replaces the snapshot.
	Set(ctx context.Context, avail map[string]int)
	// Invalidate drops the snapshot, forcing the next reader to recompute.
	Invalidate(ctx context.Context)
	Close() error
}

// memoryCache is the in-process fallback when Redis is not configured.
type memoryCache struct {
	ttl time.Duration

	mu      sync.RWMutex
	avail   map[string]int
	expires time.Time
}

// NewMemoryCache creates an in-process availability cache.
func NewMemoryCache(ttl time.Duration) AvailabilityCache {
	return &memoryCache{ttl: ttl}
}

func (c *memoryCache) Get(_ context.Context) (map[string]int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.avail == nil || time.Now().After(c.expires) {
		return nil, false
	}
	cp := make(map[string]int, len(c.avail))
	for role, n := range c.avail {
		cp[role] = n
	}
	return cp, true
}

func (c *memoryCache) Set(_ context.Context, avail map[string]int) {
	cp := make(map[string]int, len(avail))
	for role, n := range avail {
		cp[role] = n
	}
	c.mu.Lock()
	c.avail = cp
	c.expires = time.Now().Add(c.ttl)
	c.mu.Unlock()
}

func (c *memoryCache) Invalidate(_ context.Context) {
	c.mu.Lock()
	c.avail = nil
	c.mu.Unlock()
}

func (c *memoryCache) Close() error { return nil }

// noopCache disables caching entirely.
type noopCache struct{}

// NewNoopCache returns a cache that never stores anything.
func NewNoopCache() AvailabilityCache { return noopCache{} }

func (noopCache) Get(context.Context) (map[string]int, bool) { return nil, false }
func (noopCache) Set(context.Context, map[string]int)        {}
func (noopCache) Invalidate(context.Context)                 {}
func (noopCache) Close() error                               { return nil }
