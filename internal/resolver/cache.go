package resolver

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value      V
	insertedAt time.Time
}

// ttlCache is a map guarded by an RWMutex whose entries are trusted only
// while younger than ttl. Expiry is judged on read; sweep only reclaims
// memory.
type ttlCache[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]entry[V]
	ttl   time.Duration
	now   func() time.Time
}

func newTTLCache[K comparable, V any](ttl time.Duration, now func() time.Time) *ttlCache[K, V] {
	return &ttlCache[K, V]{
		items: make(map[K]entry[V]),
		ttl:   ttl,
		now:   now,
	}
}

func (c *ttlCache[K, V]) get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || c.now().Sub(e.insertedAt) >= c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *ttlCache[K, V]) set(key K, value V) {
	c.mu.Lock()
	c.items[key] = entry[V]{value: value, insertedAt: c.now()}
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// deleteFunc removes every entry whose key matches.
func (c *ttlCache[K, V]) deleteFunc(match func(K) bool) {
	c.mu.Lock()
	for k := range c.items {
		if match(k) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) sweep() int {
	now := c.now()
	removed := 0
	c.mu.Lock()
	for k, e := range c.items {
		if now.Sub(e.insertedAt) >= c.ttl {
			delete(c.items, k)
			removed++
		}
	}
	c.mu.Unlock()
	return removed
}

func (c *ttlCache[K, V]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
