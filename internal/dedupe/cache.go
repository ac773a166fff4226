// ABOUTME: Thread-safe TTL cache for client-supplied idempotency keys
// ABOUTME: Remembers which message a key produced so retried appends are not stored twice

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// State is the outcome of reserving a key.
type State int

const (
	// Reserved means the key is new and the caller owns it until Complete or Release.
	Reserved State = iota
	// InFlight means another caller reserved the key and has not completed yet.
	InFlight
	// Done means the key already produced a result.
	Done
)

type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
	result    string
	done      bool
}

// Cache is a TTL-based, size-limited map from idempotency key to result id.
// Insertion order is kept in a linked list for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size.
// A background goroutine periodically drops expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := newCache(ttl, maxSize, time.Now)
	go c.cleanup()
	return c
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

// Reserve atomically claims key. For a key that was already completed it
// returns the stored result with Done.
func (c *Cache) Reserve(key string) (string, State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok && c.now().Sub(entry.timestamp) < c.ttl {
		if entry.done {
			return entry.result, Done
		}
		return "", InFlight
	}

	c.putLocked(key)
	return "", Reserved
}

// Complete records the result for a reserved key.
func (c *Cache) Complete(key, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if !ok {
		entry = c.putLocked(key)
	}
	entry.result = result
	entry.done = true
	entry.timestamp = c.now()
}

// Release forgets a reservation so the key can be retried.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// putLocked inserts or refreshes key. Must be called with mu held.
func (c *Cache) putLocked(key string) *cacheEntry {
	now := c.now()

	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		entry.result = ""
		entry.done = false
		c.order.MoveToBack(entry.element)
		return entry
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	entry := &cacheEntry{timestamp: now, element: c.order.PushBack(key)}
	c.seen[key] = entry
	return entry
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
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

// runCleanup removes all expired entries.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
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
