package auth

import (
	"crypto/sha256"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxStale bounds how long a stale principal is served while its
// refresh keeps failing.
const DefaultMaxStale = 10 * time.Minute

// KeyCache maps API keys to principals with stale-while-revalidate. Entries
// are indexed by the SHA-256 of the key so plaintext keys are not retained.
type KeyCache struct {
	entries  sync.Map // [sha256.Size]byte -> *keyEntry
	ttl      time.Duration
	maxStale time.Duration
	now      func() time.Time
}

type keyEntry struct {
	principal  *Principal
	verifiedAt time.Time
	refreshing atomic.Bool
}

// Lookup is the result of KeyCache.Get.
type Lookup struct {
	Principal *Principal
	Hit       bool
	// Refresh is set for exactly one caller per stale entry.
	Refresh bool
}

// NewKeyCache creates a cache whose entries are fresh for ttl and served
// stale for at most maxStale after that.
func NewKeyCache(ttl, maxStale time.Duration, now func() time.Time) *KeyCache {
	if maxStale <= 0 {
		maxStale = DefaultMaxStale
	}
	if now == nil {
		now = time.Now
	}
	return &KeyCache{ttl: ttl, maxStale: maxStale, now: now}
}

// Get looks up a key without blocking.
func (c *KeyCache) Get(apiKey string) Lookup {
	digest := sha256.Sum256([]byte(apiKey))
	val, ok := c.entries.Load(digest)
	if !ok {
		return Lookup{}
	}
	entry := val.(*keyEntry)

	age := c.now().Sub(entry.verifiedAt)
	switch {
	case age < c.ttl:
		return Lookup{Principal: entry.principal, Hit: true}
	case age >= c.ttl+c.maxStale:
		c.entries.CompareAndDelete(digest, entry)
		return Lookup{}
	}
	return Lookup{
		Principal: entry.principal,
		Hit:       true,
		Refresh:   entry.refreshing.CompareAndSwap(false, true),
	}
}

// Set records a freshly verified principal.
func (c *KeyCache) Set(apiKey string, p *Principal) {
	c.entries.Store(sha256.Sum256([]byte(apiKey)), &keyEntry{
		principal:  p,
		verifiedAt: c.now(),
	})
}

// Release clears the refresh claim on a stale entry after a failed refresh
// so a later caller can retry.
func (c *KeyCache) Release(apiKey string) {
	if val, ok := c.entries.Load(sha256.Sum256([]byte(apiKey))); ok {
		val.(*keyEntry).refreshing.Store(false)
	}
}

// Delete evicts a key.
func (c *KeyCache) Delete(apiKey string) {
	c.entries.Delete(sha256.Sum256([]byte(apiKey)))
}
