// Package cache provides the bounded, expiring cache owned by the query
// service.
package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
)

type entry[V any] struct {
	value   V
	expires time.Time
}

// TTL is a thread-safe LRU cache whose entries also expire after a fixed
// time-to-live. A zero TTL disables expiry.
type TTL[V any] struct {
	ttl   time.Duration
	clock clockwork.Clock
	lru   *lru.Cache[string, entry[V]]
}

// New creates a cache holding at most size entries.
func New[V any](size int, ttl time.Duration, clock clockwork.Clock) (*TTL[V], error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c, err := lru.New[string, entry[V]](size)
	if err != nil {
		return nil, err
	}
	return &TTL[V]{ttl: ttl, clock: clock, lru: c}, nil
}

// Get returns the value for key if present and not expired.
func (c *TTL[V]) Get(key string) (V, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	if c.ttl > 0 && !c.clock.Now().Before(e.expires) {
		c.lru.Remove(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores value under key, evicting the least recently used entry when full.
func (c *TTL[V]) Put(key string, value V) {
	c.lru.Add(key, entry[V]{value: value, expires: c.clock.Now().Add(c.ttl)})
}

// Purge drops every entry.
func (c *TTL[V]) Purge() {
	c.lru.Purge()
}

func (c *TTL[V]) Len() int {
	return c.lru.Len()
}
