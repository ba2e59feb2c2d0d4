// Package cachemanager wraps go-cache with typed keys and values for the
// engine's TTL ledgers: the bus dedup window, the routing audit, and the
// finished-task cache that backs inspection after a task leaves the live
// table.
package cachemanager

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/log"
)

const DefaultExpiration = 10 * time.Minute
const DefaultCleanupInterval = 30 * time.Minute

// NewInMemoryCacheManager creates a cache. The useCase label names the
// ledger in cache log lines. defaultExpiration applies to entries Set with
// ttl zero.
func NewInMemoryCacheManager[K ~string, V any](useCase string, defaultExpiration, cleanupInterval time.Duration) *InMemoryCacheManager[K, V] {
	return &InMemoryCacheManager[K, V]{
		useCase: useCase,
		cache:   gocache.New(defaultExpiration, cleanupInterval),
	}
}

// InMemoryCacheManager is a process-local TTL cache.
type InMemoryCacheManager[K ~string, V any] struct {
	useCase string
	cache   *gocache.Cache
}

// Get retrieves an entry by key.
func (c *InMemoryCacheManager[K, V]) Get(ctx context.Context, key K) (V, bool) {
	var zeroValue V

	value, found := c.cache.Get(string(key))
	if !found {
		return zeroValue, false
	}

	v, ok := value.(V)
	if !ok {
		log.Error(log.CatCache, "wrong type assertion when getting value", "key", key)

		return zeroValue, false
	}

	log.Debug(log.CatCache, "cache hit", "useCase", c.useCase, "key", key)

	return v, true
}

// GetWithRefresh retrieves an entry and, on a hit, re-arms its TTL. The
// finished-task cache uses this so results stay inspectable while a client
// is still polling for them. A ttl of zero re-arms with the default.
func (c *InMemoryCacheManager[K, V]) GetWithRefresh(ctx context.Context, key K, ttl time.Duration) (V, bool) {
	value, found := c.Get(ctx, key)
	if !found {
		return value, found
	}

	c.Set(ctx, key, value, ttl)

	return value, found
}

// Set stores an entry under key. A ttl of zero uses the default expiration.
func (c *InMemoryCacheManager[K, V]) Set(ctx context.Context, key K, value V, ttl time.Duration) {
	c.cache.Set(string(key), value, ttl)
}

// Items returns a snapshot of every live entry in the cache. Entries that
// fail the type assertion are skipped.
func (c *InMemoryCacheManager[K, V]) Items() map[K]V {
	raw := c.cache.Items()
	out := make(map[K]V, len(raw))
	for key, item := range raw {
		v, ok := item.Object.(V)
		if !ok {
			continue
		}
		out[K(key)] = v
	}

	return out
}
