// Package cache provides a small in-memory TTL cache used to absorb
// repeated view loads. The cache sits in front of the replica, not the
// network: a hit serves the locally merged state, a miss triggers one
// shared fetch per key.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry[V any] struct {
	value   V
	expires time.Time
}

// Cache is a TTL cache keyed by string. Concurrent misses for the same key
// are collapsed into a single fetch.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	ttl     time.Duration
	timeout time.Duration
	group   singleflight.Group

	now func() time.Time
}

// New creates a cache. ttl bounds entry freshness; fetchTimeout bounds how
// long GetOrFetch waits for a miss to be filled.
func New[V any](ttl, fetchTimeout time.Duration) *Cache[V] {
	return &Cache[V]{
		entries: make(map[string]entry[V]),
		ttl:     ttl,
		timeout: fetchTimeout,
		now:     time.Now,
	}
}

// Get returns the cached value if present and unexpired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expires) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores a value with a fresh TTL.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops a key. Dropping an absent key is a no-op.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateAll drops every entry.
func (c *Cache[V]) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]entry[V])
	c.mu.Unlock()
}

// GetOrFetch returns the cached value, or runs fetch to fill the key.
// Concurrent callers for the same key share one fetch. A fetch that
// exceeds the configured timeout is abandoned for this caller; the key is
// forgotten so the next caller retries instead of piling onto a stuck
// flight.
func (c *Cache[V]) GetOrFetch(ctx context.Context, key string, fetch func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resCh := c.group.DoChan(key, func() (any, error) {
		v, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.Put(key, v)
		return v, nil
	})

	select {
	case res := <-resCh:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-fetchCtx.Done():
		c.group.Forget(key)
		var zero V
		return zero, fetchCtx.Err()
	}
}
