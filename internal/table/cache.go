package table

import (
	"bytes"
	"errors"
	"sync/atomic"
	"time"
)

// Cache row limits in bytes.
const (
	MaxCacheKeyBytes   = 255
	MaxCacheValueBytes = 8192
)

var (
	// ErrKeyTooLong is returned for cache keys wider than MaxCacheKeyBytes.
	ErrKeyTooLong = errors.New("cache key too long")
	// ErrValueTooLarge is returned for cache values wider than
	// MaxCacheValueBytes. Writers must reject, not truncate.
	ErrValueTooLarge = errors.New("cache value too large")
)

// CacheEntry is one cache row. ExpiresAt is epoch seconds; zero means the
// row persists until explicitly deleted.
type CacheEntry struct {
	Value     []byte
	ExpiresAt int64
}

// Cache is the shared cache table. Expiry is checked on read (lazy) and by
// the janitor sweep; last writer wins on concurrent sets.
type Cache struct {
	t         *Table[CacheEntry]
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// CacheMetrics is a point-in-time snapshot of cache accounting.
type CacheMetrics struct {
	Size      int   `json:"size"`
	Capacity  int   `json:"capacity"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// NewCache creates the cache table with the given capacity.
func NewCache(capacity int) *Cache {
	return &Cache{t: New[CacheEntry](capacity)}
}

// Set stores value under key with the given lifetime. A ttl of zero makes
// the row persistent. The value is copied; callers may hand over
// buffer-backed slices.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) error {
	if len(key) > MaxCacheKeyBytes {
		return ErrKeyTooLong
	}
	if len(value) > MaxCacheValueBytes {
		return ErrValueTooLarge
	}

	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).Unix()
	}
	return c.t.Set(key, CacheEntry{Value: bytes.Clone(value), ExpiresAt: expiresAt})
}

// Get returns the value for key, treating rows past their expiry as absent
// and deleting them on the way out.
func (c *Cache) Get(key string, now time.Time) ([]byte, bool) {
	e, ok := c.GetEntry(key, now)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// GetEntry returns the full row for key, applying the same lazy expiry as
// Get. A row is served up to and including its expiry second.
func (c *Cache) GetEntry(key string, now time.Time) (CacheEntry, bool) {
	e, ok := c.t.Get(key)
	if !ok {
		c.misses.Add(1)
		return CacheEntry{}, false
	}
	if e.ExpiresAt != 0 && now.Unix() > e.ExpiresAt {
		if c.t.Delete(key) {
			c.evictions.Add(1)
		}
		c.misses.Add(1)
		return CacheEntry{}, false
	}
	c.hits.Add(1)
	return e, true
}

// Delete removes the row for key and reports whether it existed.
func (c *Cache) Delete(key string) bool {
	return c.t.Delete(key)
}

// Sweep removes every row past its expiry and returns how many were
// evicted. Persistent rows are never swept.
func (c *Cache) Sweep(now time.Time) int {
	var expired []string
	c.t.Range(func(key string, e CacheEntry) bool {
		if e.ExpiresAt != 0 && now.Unix() > e.ExpiresAt {
			expired = append(expired, key)
		}
		return true
	})

	n := 0
	for _, key := range expired {
		if c.t.Delete(key) {
			c.evictions.Add(1)
			n++
		}
	}
	return n
}

// Metrics returns current cache accounting.
func (c *Cache) Metrics() CacheMetrics {
	return CacheMetrics{
		Size:      c.t.Len(),
		Capacity:  c.t.Cap(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// Len returns the number of cache rows.
func (c *Cache) Len() int {
	return c.t.Len()
}
