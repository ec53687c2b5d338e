package storage

import (
	"container/list"
	"sync"
	"time"

	"metered_gateway/internal/models"
)

// ModelCache keeps recent model lookups in front of the models table. It is
// bounded by size and every entry lives for a fixed TTL. A nil model records
// a name known to be absent, so unpriced names do not hit the database on
// every request.
type ModelCache struct {
	mu      sync.Mutex
	size    int
	ttl     time.Duration
	byName  map[string]*list.Element
	recency *list.List // front is most recently used
	now     func() time.Time
}

type modelCacheEntry struct {
	name      string
	model     *models.Model
	expiresAt time.Time
}

// ModelCacheStats describes the cache for /admin/stats
type ModelCacheStats struct {
	Capacity int           `json:"capacity"`
	Size     int           `json:"size"`
	TTL      time.Duration `json:"ttl"`
}

// NewModelCache creates a cache holding at most size names
func NewModelCache(size int, ttl time.Duration) *ModelCache {
	return &ModelCache{
		size:    size,
		ttl:     ttl,
		byName:  make(map[string]*list.Element, size),
		recency: list.New(),
		now:     time.Now,
	}
}

// Lookup returns the cached model for name. known is false when the name
// is not cached or its entry expired; a known name may map to nil.
func (c *ModelCache) Lookup(name string) (model *models.Model, known bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.byName[name]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*modelCacheEntry)
	if c.now().After(entry.expiresAt) {
		c.drop(elem)
		return nil, false
	}
	c.recency.MoveToFront(elem)
	return entry.model, true
}

// Remember caches model under name; nil marks the name as absent.
func (c *ModelCache) Remember(name string, model *models.Model) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if elem, ok := c.byName[name]; ok {
		entry := elem.Value.(*modelCacheEntry)
		entry.model, entry.expiresAt = model, expiresAt
		c.recency.MoveToFront(elem)
		return
	}

	c.byName[name] = c.recency.PushFront(&modelCacheEntry{name: name, model: model, expiresAt: expiresAt})
	for c.recency.Len() > c.size {
		c.drop(c.recency.Back())
	}
}

// Forget drops name, e.g. after its row changed
func (c *ModelCache) Forget(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.byName[name]; ok {
		c.drop(elem)
	}
}

// Reset empties the cache
func (c *ModelCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.byName)
	c.recency.Init()
}

// Sweep drops expired entries and reports how many went
func (c *ModelCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	swept := 0
	for elem := c.recency.Back(); elem != nil; {
		prev := elem.Prev()
		if now.After(elem.Value.(*modelCacheEntry).expiresAt) {
			c.drop(elem)
			swept++
		}
		elem = prev
	}
	return swept
}

// Stats reports capacity and current size
func (c *ModelCache) Stats() ModelCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ModelCacheStats{Capacity: c.size, Size: c.recency.Len(), TTL: c.ttl}
}

func (c *ModelCache) drop(elem *list.Element) {
	c.recency.Remove(elem)
	delete(c.byName, elem.Value.(*modelCacheEntry).name)
}
