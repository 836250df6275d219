package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// Cache is the TTL cache port shared by the memory tiers and the room and
// member caches. Implementations must be safe for concurrent use.
//
// Pattern keys for DeleteMatching support a trailing * wildcard
// (e.g. "conversation/agent-1/*"); a pattern without a wildcard deletes the
// exact key.
type Cache interface {
	Read(key string) (any, bool)
	Write(key string, value any, ttl time.Duration)
	Exists(key string) bool
	Delete(key string) bool
	DeleteMatching(pattern string) int
	Clear()
	// CleanupExpired drops expired entries and returns how many.
	CleanupExpired() int
}

// LRUCache is an in-process Cache with per-entry TTL and LRU eviction.
type LRUCache struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	order      *list.List
	capacity   int
	defaultTTL time.Duration
}

type entry struct {
	expiresAt time.Time
	element   *list.Element
	key       string
	value     any
}

// NewLRUCache creates a cache holding at most capacity entries. Writes
// without an explicit TTL use defaultTTL.
func NewLRUCache(capacity int, defaultTTL time.Duration) *LRUCache {
	if capacity <= 0 {
		capacity = 1000
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &LRUCache{
		entries:    make(map[string]*entry),
		order:      list.New(),
		capacity:   capacity,
		defaultTTL: defaultTTL,
	}
}

// Read returns the value for key when present and unexpired.
func (c *LRUCache) Read(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.removeEntry(e)
		return nil, false
	}
	c.order.MoveToFront(e.element)
	return e.value, true
}

// Write stores a value. ttl <= 0 falls back to the default TTL.
func (c *LRUCache) Write(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = time.Now().Add(ttl)
		c.order.MoveToFront(e.element)
		return
	}

	for len(c.entries) >= c.capacity {
		c.evictOldest()
	}

	e := &entry{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	e.element = c.order.PushFront(e)
	c.entries[key] = e
}

// Exists reports whether key is present and unexpired, without touching
// the access order.
func (c *LRUCache) Exists(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[key]; ok {
		return !time.Now().After(e.expiresAt)
	}
	return false
}

// Delete removes a key. It reports whether the key was present.
func (c *LRUCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeEntry(e)
		return true
	}
	return false
}

// DeleteMatching removes entries matching the pattern and returns how many
// were removed. Only a trailing * wildcard is supported.
func (c *LRUCache) DeleteMatching(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !strings.Contains(pattern, "*") {
		if e, ok := c.entries[pattern]; ok {
			c.removeEntry(e)
			return 1
		}
		return 0
	}

	prefix := strings.TrimSuffix(pattern, "*")
	count := 0
	for key, e := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeEntry(e)
			count++
		}
	}
	return count
}

// Clear removes all entries.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.order.Init()
}

// Size returns the number of entries, including not-yet-reaped expired
// ones.
func (c *LRUCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Capacity returns the maximum number of entries.
func (c *LRUCache) Capacity() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capacity
}

// CleanupExpired removes all expired entries and returns how many were
// dropped. The memory reaper calls this on its interval.
func (c *LRUCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []*entry
	now := time.Now()
	for _, e := range c.entries {
		if now.After(e.expiresAt) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		c.removeEntry(e)
	}
	return len(expired)
}

// evictOldest removes the least recently used entry. Callers hold the
// lock.
func (c *LRUCache) evictOldest() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	if e, ok := oldest.Value.(*entry); ok {
		c.removeEntry(e)
	}
}

// removeEntry unlinks an entry. Callers hold the lock.
func (c *LRUCache) removeEntry(e *entry) {
	c.order.Remove(e.element)
	delete(c.entries, e.key)
}
