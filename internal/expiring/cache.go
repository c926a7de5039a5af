// Package expiring provides a small key → expiry set that is checked on access
// instead of scheduling a timer or goroutine per key.
package expiring

import (
	"sync"
	"time"
)

// Cache maps keys to values that stop existing once their expiry passes.
// Expired keys are swept lazily on writes once the cache grows past
// sweepThreshold, so memory stays bounded by the number of live keys.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]entry[V]
	now     func() time.Time

	sweepThreshold int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type Option func(*options)

type options struct {
	now            func() time.Time
	sweepThreshold int
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithSweepThreshold(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.sweepThreshold = n
		}
	}
}

func New[K comparable, V any](opts ...Option) *Cache[K, V] {
	o := options{now: time.Now, sweepThreshold: 1024}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[K, V]{
		entries:        make(map[K]entry[V]),
		now:            o.now,
		sweepThreshold: o.sweepThreshold,
	}
}

// Get returns the value stored under key if it has not expired yet.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *Cache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[key] = entry[V]{value: value, expiresAt: now.Add(ttl)}
	if len(c.entries) > c.sweepThreshold {
		c.sweepLocked(now)
	}
}

// SetIfAbsent stores value under key only when no live entry exists and
// reports whether it did. It is the primitive used for cooldowns and
// duplicate suppression.
func (c *Cache[K, V]) SetIfAbsent(key K, value V, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[key]; ok && now.Before(e.expiresAt) {
		return false
	}
	c.entries[key] = entry[V]{value: value, expiresAt: now.Add(ttl)}
	if len(c.entries) > c.sweepThreshold {
		c.sweepLocked(now)
	}
	return true
}

// Take returns and removes the value stored under key.
func (c *Cache[K, V]) Take(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	delete(c.entries, key)
	if !ok || !c.now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len counts live entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked(c.now())
	return len(c.entries)
}

func (c *Cache[K, V]) sweepLocked(now time.Time) {
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}
