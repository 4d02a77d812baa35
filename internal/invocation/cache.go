// Package invocation memorizes tool invocation results so that redelivered
// requests replay the first outcome instead of executing again.
package invocation

import (
	"container/list"
	"sync"
	"time"
)

// Key identifies "the same request".
type Key struct {
	RunID        string
	InvocationID string
	ToolName     string
}

// Result is a captured response.
type Result struct {
	StatusCode int
	Body       []byte
}

type entry struct {
	key       Key
	result    Result
	expiresAt time.Time
}

// Cache is a TTL and capacity bounded result cache with oldest-first
// eviction. Stored and returned bodies are copies.
type Cache struct {
	ttl      time.Duration
	capacity int
	now      func() time.Time

	mu      sync.Mutex
	order   *list.List
	entries map[Key]*list.Element
}

// NewCache creates a Cache.
func NewCache(ttl time.Duration, capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Cache{
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		order:    list.New(),
		entries:  make(map[Key]*list.Element),
	}
}

// Cacheable reports whether a status code may be memorized. 5xx outcomes
// stay retryable.
func Cacheable(statusCode int) bool {
	return statusCode > 0 && statusCode < 500
}

// Get returns a copy of the cached result for key.
func (c *Cache) Get(key Key) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return Result{}, false
	}
	e := elem.Value.(*entry)
	if c.expired(e) {
		c.removeElement(elem)
		return Result{}, false
	}
	return Result{StatusCode: e.result.StatusCode, Body: clone(e.result.Body)}, true
}

// Put stores a copy of result when its status is cacheable. It reports
// whether the result was stored.
func (c *Cache) Put(key Key, result Result) bool {
	if !Cacheable(result.StatusCode) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeExpired()
	if elem, ok := c.entries[key]; ok {
		c.removeElement(elem)
	}
	for c.order.Len() >= c.capacity {
		c.removeElement(c.order.Front())
	}
	e := &entry{
		key:       key,
		result:    Result{StatusCode: result.StatusCode, Body: clone(result.Body)},
		expiresAt: c.now().Add(c.ttl),
	}
	c.entries[key] = c.order.PushBack(e)
	return true
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeExpired()
	return c.order.Len()
}

func (c *Cache) expired(e *entry) bool {
	return c.ttl > 0 && !c.now().Before(e.expiresAt)
}

// purgeExpired drops expired entries from the oldest end. Entries are
// inserted in expiry order, so the scan stops at the first live one.
func (c *Cache) purgeExpired() {
	for elem := c.order.Front(); elem != nil; elem = c.order.Front() {
		if !c.expired(elem.Value.(*entry)) {
			return
		}
		c.removeElement(elem)
	}
}

func (c *Cache) removeElement(elem *list.Element) {
	e := c.order.Remove(elem).(*entry)
	delete(c.entries, e.key)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
