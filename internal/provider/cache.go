package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/relaygate/relaygate/pkg/models"
)

// Fingerprint derives the cache key for a request: a deterministic hash of
// the provider kind, the mapped native model id, and the normalized message
// sequence. Whitespace runs inside message content are collapsed so
// formatting differences don't defeat the cache.
func Fingerprint(provider, model string, messages []models.ChatMessage) string {
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(model))
	for _, m := range messages {
		h.Write([]byte{0})
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(strings.Join(strings.Fields(m.Content), " ")))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Cache stores completed responses by fingerprint for a short TTL. Chat
// content is append-only per fingerprint, so no manual invalidation exists;
// entries simply age out. A single mutex is enough here: the cache is
// read-mostly and entries are short-lived.
type Cache struct {
	mu        sync.Mutex
	ttl       time.Duration
	entries   map[string]cacheEntry
	lastSweep time.Time
	now       func() time.Time
}

type cacheEntry struct {
	resp    models.ProviderResponse
	expires time.Time
}

// NewCache creates a cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns a copy of the cached response for fp, if present and fresh.
func (c *Cache) Get(fp string) (models.ProviderResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fp]
	if !ok {
		return models.ProviderResponse{}, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, fp)
		return models.ProviderResponse{}, false
	}
	return e.resp, true
}

// Put stores resp under fp. Expired entries are swept opportunistically at
// most once per TTL.
func (c *Cache) Put(fp string, resp models.ProviderResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[fp] = cacheEntry{resp: resp, expires: now.Add(c.ttl)}

	if now.Sub(c.lastSweep) >= c.ttl {
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
		c.lastSweep = now
	}
}

// Len returns the number of stored entries, including any not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
