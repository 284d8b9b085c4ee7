package subscription

import (
	"container/list"
	"sync"
	"time"

	"github.com/0xmhha/wsrelay-go/internal/clock"
	"github.com/0xmhha/wsrelay-go/internal/constants"
)

// CacheConfig holds notification cache configuration
type CacheConfig struct {
	MaxSize int
	TTL     time.Duration
}

// DefaultCacheConfig returns the relay's default notification cache settings
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		MaxSize: constants.DefaultCacheMaxSize,
		TTL:     constants.DefaultCacheTTL,
	}
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	element   *list.Element
}

// NotificationCache is a thread-safe LRU set of payload hashes with TTL.
// Expired entries are dropped lazily on access and on insert.
type NotificationCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	clock   clock.Clock
	items   map[string]*cacheEntry
	lru     *list.List

	hits      int64
	misses    int64
	evictions int64
}

// NewNotificationCache creates a cache; a nil config uses DefaultCacheConfig
// and a nil clock the wall clock.
func NewNotificationCache(config *CacheConfig, clk clock.Clock) *NotificationCache {
	if config == nil {
		config = DefaultCacheConfig()
	}
	if clk == nil {
		clk = clock.Real()
	}
	maxSize := config.MaxSize
	if maxSize <= 0 {
		maxSize = constants.DefaultCacheMaxSize
	}

	return &NotificationCache{
		maxSize: maxSize,
		ttl:     config.TTL,
		clock:   clk,
		items:   make(map[string]*cacheEntry),
		lru:     list.New(),
	}
}

// Contains reports whether a live entry exists for key
func (c *NotificationCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lookup(key, c.clock.Now())
}

// AddIfAbsent records key unless a live entry already exists.
// It reports whether the key was added, i.e. whether the caller should send.
func (c *NotificationCache) AddIfAbsent(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.lookup(key, now) {
		return false
	}

	for c.lru.Len() >= c.maxSize {
		c.evictOldest()
	}

	entry := &cacheEntry{key: key, expiresAt: now.Add(c.ttl)}
	entry.element = c.lru.PushFront(entry)
	c.items[key] = entry
	return true
}

// Delete removes key from the cache
func (c *NotificationCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.items[key]; exists {
		c.removeEntry(entry)
	}
}

// Size returns the current number of entries, expired ones included
func (c *NotificationCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns cache statistics
func (c *NotificationCache) Stats() (hits, misses, evictions int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.evictions, len(c.items)
}

// lookup must be called with lock held
func (c *NotificationCache) lookup(key string, now time.Time) bool {
	entry, exists := c.items[key]
	if !exists {
		c.misses++
		return false
	}
	if !now.Before(entry.expiresAt) {
		c.removeEntry(entry)
		c.misses++
		return false
	}

	c.lru.MoveToFront(entry.element)
	c.hits++
	return true
}

// removeEntry must be called with lock held
func (c *NotificationCache) removeEntry(entry *cacheEntry) {
	c.lru.Remove(entry.element)
	delete(c.items, entry.key)
}

// evictOldest must be called with lock held
func (c *NotificationCache) evictOldest() {
	oldest := c.lru.Back()
	if oldest != nil {
		c.removeEntry(oldest.Value.(*cacheEntry))
		c.evictions++
	}
}
