package emotes

import (
	"context"
	"sync"
	"time"
)

// ttlCache memoizes one fetched value per key for a fixed TTL. Expired
// entries are refetched on demand; a fetch failure serves the stale value
// when one exists.
type ttlCache[T any] struct {
	ttl   time.Duration
	fetch func(ctx context.Context, key string) (T, error)

	mu      sync.Mutex
	entries map[string]*cacheEntry[T]
	now     func() time.Time
}

type cacheEntry[T any] struct {
	value     T
	fetchedAt time.Time
	valid     bool
}

func newTTLCache[T any](ttl time.Duration, fetch func(ctx context.Context, key string) (T, error)) *ttlCache[T] {
	return &ttlCache[T]{
		ttl:     ttl,
		fetch:   fetch,
		entries: make(map[string]*cacheEntry[T]),
		now:     time.Now,
	}
}

func (c *ttlCache[T]) get(ctx context.Context, key string) (T, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && e.valid && c.now().Sub(e.fetchedAt) < c.ttl {
		v := e.value
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err := c.fetch(ctx, key)
	if err != nil {
		if ok && e.valid {
			return e.value, nil // stale beats nothing
		}
		var zero T
		return zero, err
	}

	c.mu.Lock()
	c.entries[key] = &cacheEntry[T]{value: v, fetchedAt: c.now(), valid: true}
	c.mu.Unlock()
	return v, nil
}

func (c *ttlCache[T]) invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
