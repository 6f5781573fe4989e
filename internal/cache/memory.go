package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryBackend is the in-process backing store: LRU eviction, per-entry TTL,
// and a memory ceiling. Suitable for single-instance deployments.
type MemoryBackend struct {
	mu          sync.Mutex
	items       map[string]*memoryItem
	lruList     *list.List
	maxItems    int
	maxMemory   int64
	currentSize int64

	hits      int64
	misses    int64
	evictions int64

	cleanupStop chan struct{}
	cleanupOnce sync.Once

	logger *zap.Logger
}

type memoryItem struct {
	key        string
	value      []byte
	size       int64
	expiry     time.Time
	lruElement *list.Element
}

// NewMemoryBackend creates an in-process cache with the given limits.
func NewMemoryBackend(maxItems int, maxMemory int64, logger *zap.Logger) *MemoryBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBackend{
		items:       make(map[string]*memoryItem),
		lruList:     list.New(),
		maxItems:    maxItems,
		maxMemory:   maxMemory,
		cleanupStop: make(chan struct{}),
		logger:      logger,
	}
}

var _ Backend = (*MemoryBackend)(nil)

// Get retrieves a value, refreshing its LRU position.
func (c *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		c.misses++
		return nil, false, nil
	}
	if time.Now().After(item.expiry) {
		c.removeItem(item)
		c.misses++
		return nil, false, nil
	}

	c.lruList.MoveToFront(item.lruElement)
	c.hits++

	// Copy out so callers cannot mutate the cached bytes.
	value := make([]byte, len(item.value))
	copy(value, item.value)
	return value, true, nil
}

// Set stores a value, evicting from the LRU tail until it fits.
func (c *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	itemSize := int64(len(key) + len(value))
	if itemSize > c.maxMemory {
		c.logger.Warn("Item too large for cache",
			zap.String("key", key),
			zap.Int64("size", itemSize),
			zap.Int64("maxMemory", c.maxMemory),
		)
		return nil // silently skip caching
	}

	if existing, exists := c.items[key]; exists {
		c.removeItem(existing)
	}

	for (c.currentSize+itemSize > c.maxMemory || len(c.items) >= c.maxItems) && c.lruList.Len() > 0 {
		oldest := c.lruList.Back()
		if oldest == nil {
			break
		}
		c.removeItem(oldest.Value.(*memoryItem))
		c.evictions++
	}

	item := &memoryItem{
		key:    key,
		value:  append([]byte(nil), value...),
		size:   itemSize,
		expiry: time.Now().Add(ttl),
	}
	item.lruElement = c.lruList.PushFront(item)
	c.items[key] = item
	c.currentSize += itemSize
	return nil
}

// Delete removes a value; deleting an absent key is a no-op.
func (c *MemoryBackend) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, exists := c.items[key]; exists {
		c.removeItem(item)
	}
	return nil
}

// Clear wipes the whole cache.
func (c *MemoryBackend) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*memoryItem)
	c.lruList.Init()
	c.currentSize = 0
	return nil
}

// Close stops the cleanup loop if one was started.
func (c *MemoryBackend) Close() error {
	c.cleanupOnce.Do(func() { close(c.cleanupStop) })
	return nil
}

// removeItem must be called with the lock held.
func (c *MemoryBackend) removeItem(item *memoryItem) {
	if item.lruElement != nil {
		c.lruList.Remove(item.lruElement)
	}
	delete(c.items, item.key)
	c.currentSize -= item.size
}

// Stats reports hit/miss/eviction counters.
func (c *MemoryBackend) Stats() (hits, misses, evictions int64, items int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.evictions, len(c.items)
}

// StartCleanup runs a background sweep of expired entries until Close.
func (c *MemoryBackend) StartCleanup(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.cleanupStop:
				return
			case <-ticker.C:
				c.cleanupExpired()
			}
		}
	}()
}

func (c *MemoryBackend) cleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	expired := make([]*memoryItem, 0)
	for _, item := range c.items {
		if now.After(item.expiry) {
			expired = append(expired, item)
		}
	}
	for _, item := range expired {
		c.removeItem(item)
	}
	if len(expired) > 0 {
		c.logger.Debug("Cleaned up expired cache items", zap.Int("count", len(expired)))
	}
}
