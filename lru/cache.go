// Package lru implements a generic, thread-safe LRU cache with optional
// per-entry expiry. The sync daemon uses it to remember which project a
// tracker task belongs to and to hold recent health check results.
package lru

import (
	"sync"
	"time"
)

type node[K comparable, V any] struct {
	key       K
	val       V
	expiresAt time.Time // zero = never
	prev      *node[K, V]
	next      *node[K, V]
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithTTL sets the default lifetime applied by Put.
func WithTTL[K comparable, V any](ttl time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) { c.ttl = ttl }
}

// Cache is a generic, thread-safe LRU cache.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	items    map[K]*node[K, V]
	head     *node[K, V] // sentinel, most recent side
	tail     *node[K, V] // sentinel, least recent side
}

// New creates an LRU cache with the given capacity.
// Panics if capacity < 1.
func New[K comparable, V any](capacity int, opts ...Option[K, V]) *Cache[K, V] {
	if capacity < 1 {
		panic("lru: capacity must be >= 1")
	}

	head := &node[K, V]{}
	tail := &node[K, V]{}
	head.next = tail
	tail.prev = head

	c := &Cache[K, V]{
		capacity: capacity,
		now:      time.Now,
		items:    make(map[K]*node[K, V], capacity),
		head:     head,
		tail:     tail,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.live(key)
	if !ok {
		var zero V
		return zero, false
	}
	c.unlink(n)
	c.pushFront(n)
	return n.val, true
}

// Put stores key with the default TTL.
func (c *Cache[K, V]) Put(key K, val V) {
	c.put(key, val, c.ttl)
}

// put stores key with its own lifetime. ttl <= 0 never expires.
// Updating a key resets its lifetime.
func (c *Cache[K, V]) put(key K, val V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = c.now().Add(ttl)
	}

	if n, ok := c.items[key]; ok {
		n.val = val
		n.expiresAt = exp
		c.unlink(n)
		c.pushFront(n)
		return
	}

	if len(c.items) >= c.capacity {
		victim := c.tail.prev
		c.drop(victim)
	}

	n := &node[K, V]{key: key, val: val, expiresAt: exp}
	c.items[key] = n
	c.pushFront(n)
}

// Delete removes key. Returns true if it was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		return false
	}
	c.unlink(n)
	delete(c.items, key)
	return true
}

// DeleteFunc removes every entry for which fn returns true and reports how
// many were removed.
func (c *Cache[K, V]) DeleteFunc(fn func(K, V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for cur := c.head.next; cur != c.tail; {
		next := cur.next
		if fn(cur.key, cur.val) {
			c.unlink(cur)
			delete(c.items, cur.key)
			removed++
		}
		cur = next
	}
	return removed
}

// size returns the number of stored entries, including expired ones not yet
// collected.
func (c *Cache[K, V]) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (n *node[K, V]) expired(now time.Time) bool {
	return !n.expiresAt.IsZero() && !now.Before(n.expiresAt)
}

// live returns the node for key, collecting it first if it has expired.
// Caller must hold the lock.
func (c *Cache[K, V]) live(key K) (*node[K, V], bool) {
	n, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if n.expired(c.now()) {
		c.drop(n)
		return nil, false
	}
	return n, true
}

func (c *Cache[K, V]) drop(n *node[K, V]) {
	c.unlink(n)
	delete(c.items, n.key)
}

func (c *Cache[K, V]) unlink(n *node[K, V]) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

func (c *Cache[K, V]) pushFront(n *node[K, V]) {
	n.next = c.head.next
	n.prev = c.head
	c.head.next.prev = n
	c.head.next = n
}
