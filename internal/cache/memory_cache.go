package cache

import (
	"image"
	"sync"
	"sync/atomic"

	"mapcore/internal/metrics"
)

const (
	// MinMemoryCapacity is the floor applied to any derived memory capacity.
	MinMemoryCapacity int64 = 30 * 1024 * 1024

	screenMultiple = 4
	bytesPerPixel  = 4
)

// CapacityForScreen sizes the memory cache as a few screens worth of 32-bit
// pixels, never below MinMemoryCapacity.
func CapacityForScreen(widthPx, heightPx int) int64 {
	c := int64(widthPx) * int64(heightPx) * bytesPerPixel * screenMultiple
	if c < MinMemoryCapacity {
		return MinMemoryCapacity
	}
	return c
}

// ImageCost is the byte cost charged for a decoded image.
func ImageCost(img image.Image) int64 {
	b := img.Bounds()
	return int64(b.Dx()) * int64(b.Dy()) * bytesPerPixel
}

type entry struct {
	image      image.Image
	cost       int64
	lastAccess atomic.Int64
}

// MemoryCache is a cost-bounded LRU of decoded tile images.
// Readers share the lock and only bump an atomic access stamp, writers evict
// the oldest stamps until the new entry fits.
type MemoryCache struct {
	mu       sync.RWMutex
	capacity int64
	cost     int64
	items    map[string]*entry
	clock    atomic.Int64
}

// NewMemoryCache creates a new in-memory LRU cache bounded by capacity bytes
func NewMemoryCache(capacity int64) *MemoryCache {
	return &MemoryCache{
		capacity: capacity,
		items:    make(map[string]*entry),
	}
}

func (c *MemoryCache) Has(key TileKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.items[key.Hash()]
	return ok
}

func (c *MemoryCache) Get(key TileKey) (image.Image, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.items[key.Hash()]
	if !ok {
		metrics.MemoryCacheMisses.Inc()
		return nil, false
	}

	e.lastAccess.Store(c.clock.Add(1))
	metrics.MemoryCacheHits.Inc()
	return e.image, true
}

// Set inserts img and reports whether it was kept. Images costing more than
// the whole capacity are rejected.
func (c *MemoryCache) Set(key TileKey, img image.Image) bool {
	cost := ImageCost(img)

	c.mu.Lock()
	defer c.mu.Unlock()

	hash := key.Hash()
	if old, ok := c.items[hash]; ok {
		c.cost -= old.cost
		delete(c.items, hash)
	}

	if cost > c.capacity {
		c.publishCost()
		return false
	}

	c.evictLocked(c.capacity - cost)

	e := &entry{image: img, cost: cost}
	e.lastAccess.Store(c.clock.Add(1))
	c.items[hash] = e
	c.cost += cost
	c.publishCost()
	return true
}

// SetCapacity changes the bound, evicting immediately if needed.
func (c *MemoryCache) SetCapacity(capacity int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.capacity = capacity
	c.evictLocked(capacity)
	c.publishCost()
}

func (c *MemoryCache) Capacity() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capacity
}

// Cost is the total cost currently retained.
func (c *MemoryCache) Cost() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cost
}

func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*entry)
	c.cost = 0
	c.publishCost()
}

// evictLocked drops least recently used entries until cost <= limit.
func (c *MemoryCache) evictLocked(limit int64) {
	for c.cost > limit && len(c.items) > 0 {
		var (
			oldestKey   string
			oldestStamp int64
			found       bool
		)
		for k, e := range c.items {
			if s := e.lastAccess.Load(); !found || s < oldestStamp {
				oldestKey, oldestStamp, found = k, s, true
			}
		}
		c.cost -= c.items[oldestKey].cost
		delete(c.items, oldestKey)
	}
}

func (c *MemoryCache) publishCost() {
	metrics.MemoryCacheBytes.Set(float64(c.cost))
}
