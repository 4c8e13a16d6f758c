package gateway

import (
	"time"

	"github.com/anthropics/governance-core/internal/domain"
)

// DefaultCacheTTL is how long a decision is reused.
const DefaultCacheTTL = 30 * time.Second

type cacheKey struct {
	engineID string
	subject  string // event type, or "action:<name>"
}

type cacheEntry struct {
	result    domain.PermissionResult
	expiresAt time.Time
}

// permissionCache holds decisions per (engine, subject). Entries at or past
// their expiry are treated as absent. Guarded by the gateway mutex.
type permissionCache struct {
	ttl     time.Duration
	entries map[cacheKey]cacheEntry
}

func newPermissionCache(ttl time.Duration) *permissionCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &permissionCache{ttl: ttl, entries: make(map[cacheKey]cacheEntry)}
}

func (c *permissionCache) get(k cacheKey, now time.Time) (domain.PermissionResult, bool) {
	e, ok := c.entries[k]
	if !ok {
		return domain.PermissionResult{}, false
	}
	if !now.Before(e.expiresAt) {
		delete(c.entries, k)
		return domain.PermissionResult{}, false
	}
	return e.result, true
}

// put stores the verdict only. A modified payload was derived from one
// request and is dropped.
func (c *permissionCache) put(k cacheKey, r domain.PermissionResult, now time.Time) {
	r.Cached = false
	r.ModifiedPayload = nil
	c.entries[k] = cacheEntry{result: r, expiresAt: now.Add(c.ttl)}
}

func (c *permissionCache) purgeExpired(now time.Time) int {
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *permissionCache) invalidateEngine(engineID string) {
	for k := range c.entries {
		if k.engineID == engineID {
			delete(c.entries, k)
		}
	}
}

func (c *permissionCache) len() int { return len(c.entries) }
