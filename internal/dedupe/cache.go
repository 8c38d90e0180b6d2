// ABOUTME: Thread-safe TTL cache mapping client idempotency keys to stored message IDs
// ABOUTME: Lets the relay answer a retried post with the original message instead of writing twice

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the value, timestamp and list element for a cached key.
// An empty value marks a reservation whose write has not finished yet.
type cacheEntry struct {
	value     string
	timestamp time.Time
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited map from idempotency keys
// to message IDs. It uses a doubly-linked list to maintain insertion order
// for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a new cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the value stored for key. ok is false when the key is unknown,
// expired or only reserved.
func (c *Cache) Get(key string) (value string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.liveLocked(key)
	if entry == nil || entry.value == "" {
		return "", false
	}
	return entry.value, true
}

// Reserve atomically claims key for a new write.
// It returns reserved=true when the caller now owns the key and must follow up
// with Put or Release. Otherwise value holds the stored result, or is empty
// when another caller's reservation is still in flight.
func (c *Cache) Reserve(key string) (value string, reserved bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry := c.liveLocked(key); entry != nil {
		return entry.value, false
	}

	c.setLocked(key, "")
	return "", true
}

// Put records value for key, replacing any reservation.
func (c *Cache) Put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

// Release drops a reservation that never produced a value.
// Keys that already hold a value are left alone.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if !ok || entry.value != "" {
		return
	}
	c.order.Remove(entry.element)
	delete(c.seen, key)
}

// Len returns the number of entries, including expired ones not yet cleaned up.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// liveLocked returns the unexpired entry for key. Must be called with mu held.
func (c *Cache) liveLocked(key string) *cacheEntry {
	entry, ok := c.seen[key]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		return nil
	}
	return entry
}

// setLocked stores key. If the cache is at capacity, the oldest entry is
// evicted to make room. Must be called with mu held.
func (c *Cache) setLocked(key, value string) {
	now := time.Now()

	if entry, exists := c.seen[key]; exists {
		entry.value = value
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		value:     value,
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	interval := time.Minute
	if c.ttl > 0 && c.ttl < interval {
		interval = c.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
