package adapters

import (
	"context"
	"sync"
	"time"

	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
	"github.com/rs/zerolog"
)

// TTLCache is an in-process KnowledgeCache with per-entry TTL and a capacity
// bound that evicts the least-recently-inserted entry. A re-put of an existing
// key counts as a fresh insertion.
type TTLCache struct {
	mu       sync.Mutex
	capacity int
	now      func() time.Time
	items    map[string]*cacheItem
	head     *cacheItem // newest insertion
	tail     *cacheItem // oldest insertion
}

type cacheItem struct {
	key        string
	value      []byte
	insertedAt time.Time
	ttl        time.Duration
	prev       *cacheItem
	next       *cacheItem
}

func (i *cacheItem) expired(now time.Time) bool {
	return now.Sub(i.insertedAt) > i.ttl
}

// NewTTLCache creates a cache holding at most capacity entries. capacity <= 0
// disables the size bound. now defaults to time.Now.
func NewTTLCache(capacity int, now func() time.Time) *TTLCache {
	if now == nil {
		now = time.Now
	}
	return &TTLCache{
		capacity: capacity,
		now:      now,
		items:    make(map[string]*cacheItem),
	}
}

// Get returns the value for key unless it is missing or expired. Expired
// entries are evicted on read.
func (c *TTLCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		return nil, false
	}
	if item.expired(c.now()) {
		c.removeItem(item)
		delete(c.items, key)
		return nil, false
	}
	return item.value, true
}

// Put stores value under key for ttl.
func (c *TTLCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, exists := c.items[key]; exists {
		c.removeItem(item)
		delete(c.items, key)
	}

	item := &cacheItem{
		key:        key,
		value:      append([]byte(nil), value...),
		insertedAt: c.now(),
		ttl:        ttl,
	}
	c.addToFront(item)
	c.items[key] = item

	for c.capacity > 0 && len(c.items) > c.capacity {
		c.evictOldest()
	}
	return nil
}

// Delete removes key from the cache.
func (c *TTLCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		return nil
	}
	c.removeItem(item)
	delete(c.items, key)
	return nil
}

// Len reports the number of stored entries, expired or not.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Sweep evicts every expired entry and returns how many were removed.
func (c *TTLCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for item := c.tail; item != nil; {
		prev := item.prev
		if item.expired(now) {
			c.removeItem(item)
			delete(c.items, item.key)
			removed++
		}
		item = prev
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done.
func (c *TTLCache) StartSweeper(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					logger.Debug().Int("evicted", n).Msg("cache sweep")
				}
			}
		}
	}()
}

func (c *TTLCache) addToFront(item *cacheItem) {
	item.next = c.head
	item.prev = nil
	if c.head != nil {
		c.head.prev = item
	}
	c.head = item
	if c.tail == nil {
		c.tail = item
	}
}

func (c *TTLCache) removeItem(item *cacheItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		c.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		c.tail = item.prev
	}
	item.prev = nil
	item.next = nil
}

func (c *TTLCache) evictOldest() {
	if c.tail == nil {
		return
	}
	item := c.tail
	c.removeItem(item)
	delete(c.items, item.key)
}

var _ ports.Cache = (*TTLCache)(nil)
