// Package resultcache keeps the last good result of each (tool, input) pair
// for the cache fallback strategy.
package resultcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// Cache is a TTL-bounded in-memory cache of successful tool results.
// Uses sync.Map for lock-free reads on the hot path.
type Cache struct {
	store sync.Map // map[string]*resultEntry
	ttl   time.Duration
	now   func() time.Time
}

type resultEntry struct {
	data     json.RawMessage
	storedAt time.Time
}

// GetResult holds the result of a cache lookup.
type GetResult struct {
	Data json.RawMessage
	Hit  bool          // true if a value younger than the requested max age was found
	Age  time.Duration // age of the value at lookup time
}

// New creates a cache whose entries are evicted ttl after being stored.
func New(ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{ttl: ttl, now: now}
}

// InputDigest is the stable digest of a call's input used as the second half
// of the cache key.
func InputDigest(input map[string]any) string {
	b, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// cacheKey builds the lookup key for a tool+input pair.
func cacheKey(tool, digest string) string {
	return tool + ":" + digest
}

// Get returns the stored result if it is no older than maxAge.
func (c *Cache) Get(tool, digest string, maxAge time.Duration) GetResult {
	key := cacheKey(tool, digest)
	val, ok := c.store.Load(key)
	if !ok {
		return GetResult{}
	}

	entry := val.(*resultEntry)
	age := c.now().Sub(entry.storedAt)
	if age >= c.ttl {
		c.store.CompareAndDelete(key, val)
		return GetResult{}
	}
	if maxAge > 0 && age > maxAge {
		return GetResult{Age: age}
	}
	return GetResult{Data: entry.data, Hit: true, Age: age}
}

// Set stores a successful result with a fresh timestamp.
func (c *Cache) Set(tool, digest string, data json.RawMessage) {
	c.store.Store(cacheKey(tool, digest), &resultEntry{data: data, storedAt: c.now()})
}

// Delete removes an entry from the cache.
func (c *Cache) Delete(tool, digest string) {
	c.store.Delete(cacheKey(tool, digest))
}

// Sweep evicts entries older than the TTL and returns how many were removed.
func (c *Cache) Sweep() int {
	n := 0
	now := c.now()
	c.store.Range(func(k, v any) bool {
		if now.Sub(v.(*resultEntry).storedAt) >= c.ttl {
			if c.store.CompareAndDelete(k, v) {
				n++
			}
		}
		return true
	})
	return n
}
