package embeddings

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	defaultCacheSize = 1000
	defaultCacheTTL  = 24 * time.Hour
)

// Cache keeps recently generated vectors keyed by model and text. Eviction is
// LRU with a TTL checked on read.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	maxSize int
	ttl     time.Duration

	hits      int64
	misses    int64
	evictions int64
}

type cacheRecord struct {
	key     string
	vector  []float64
	addedAt time.Time
}

// NewCache builds a cache; non-positive arguments fall back to the defaults.
func NewCache(maxSize int, ttl time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get returns a copy of the cached vector, if present and fresh.
func (c *Cache) Get(model, text string) ([]float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(model, text)
	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	rec := el.Value.(*cacheRecord)
	if time.Since(rec.addedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		c.misses++
		return nil, false
	}

	c.order.MoveToFront(el)
	c.hits++
	return cloneVector(rec.vector), true
}

// Set stores a copy of the vector, evicting the least recently used entries
// when the cache is full.
func (c *Cache) Set(model, text string, vector []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(model, text)
	if el, ok := c.entries[key]; ok {
		rec := el.Value.(*cacheRecord)
		rec.vector = cloneVector(vector)
		rec.addedAt = time.Now()
		c.order.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheRecord).key)
		c.evictions++
	}

	c.entries[key] = c.order.PushFront(&cacheRecord{
		key:     key,
		vector:  cloneVector(vector),
		addedAt: time.Now(),
	})
}

// Clear drops every entry but keeps the counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// CacheStats is a snapshot of the cache counters.
type CacheStats struct {
	Size      int   `json:"size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Stats returns the current counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Size:      len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "|" + text))
	return hex.EncodeToString(sum[:])
}

func cloneVector(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}
