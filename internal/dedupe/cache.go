// ABOUTME: Thread-safe TTL and size bounded cache of request outcomes
// ABOUTME: Backs idempotency keys and the job registry

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry[V any] struct {
	value     V
	timestamp time.Time
	element   *list.Element
}

// Cache maps keys to values for ttl, evicting the oldest entry once maxSize
// is reached.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry[V]
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its expiry loop.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	c := &Cache[V]{
		entries: make(map[string]*cacheEntry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the value stored under key if it has not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Put stores value under key, restarting its TTL.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, ok := c.entries[key]; ok {
		entry.value = value
		c.touch(entry, now)
		return
	}
	c.insert(key, value, now)
}

// insert adds a new entry, evicting the oldest at capacity. Must be called
// with mu held.
func (c *Cache[V]) insert(key string, value V, now time.Time) {
	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry[V]{value: value, timestamp: now, element: elem}
}

// touch must be called with mu held.
func (c *Cache[V]) touch(entry *cacheEntry[V], now time.Time) {
	entry.timestamp = now
	c.order.MoveToBack(entry.element)
}

// PutIfAbsent stores value under key unless a live entry already exists.
// It reports whether value was stored.
func (c *Cache[V]) PutIfAbsent(key string, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, ok := c.entries[key]; ok {
		if now.Sub(entry.timestamp) < c.ttl {
			return false
		}
		entry.value = value
		c.touch(entry, now)
		return true
	}
	c.insert(key, value, now)
	return true
}

// Update applies fn to the live value under key and restarts its TTL. It
// returns the value as it was before fn ran, and false if key is missing.
func (c *Cache[V]) Update(key string, fn func(*V)) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	entry, ok := c.entries[key]
	if !ok || now.Sub(entry.timestamp) >= c.ttl {
		var zero V
		return zero, false
	}
	prev := entry.value
	fn(&entry.value)
	c.touch(entry, now)
	return prev, true
}

// UpdateAll calls fn on every live value. Entries for which fn returns true
// have their TTL restarted. It returns how many entries fn changed.
func (c *Cache[V]) UpdateAll(fn func(key string, v *V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var changed []*cacheEntry[V]
	for key, entry := range c.entries {
		if now.Sub(entry.timestamp) >= c.ttl {
			continue
		}
		if fn(key, &entry.value) {
			changed = append(changed, entry)
		}
	}
	for _, entry := range changed {
		c.touch(entry, now)
	}
	return len(changed)
}

// Delete forgets key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.order.Remove(entry.element)
		delete(c.entries, key)
	}
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldest must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired entries. Entries are ordered by last write, so it
// stops at the first live one.
func (c *Cache[V]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		if now.Sub(c.entries[key].timestamp) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.entries, key)
	}
}

// Close stops the expiry loop. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
