// Package tokencache caches per-account platform access tokens with a
// safety-margin TTL. The cache is process-wide; writes may race and the
// last writer wins, which is safe because the platforms return equivalent
// tokens within a short window.
package tokencache

import (
	"context"
	"sync"
	"time"
)

// SafetyMargin is subtracted from the platform TTL so a token is never
// handed out moments before the platform expires it.
const SafetyMargin = 5 * time.Minute

// FetchFunc obtains a fresh token and its platform-declared TTL.
type FetchFunc func(ctx context.Context) (token string, ttl time.Duration, err error)

type entry struct {
	token     string
	expiresAt time.Time
}

// Cache is a TTL map of access tokens keyed by account credential tuple
// (for WeCom-App: "corpId|agentId"; single-credential channels use
// "default").
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]entry), now: time.Now}
}

// Get returns the cached token for key, fetching through fetch on miss or
// expiry. The stored expiry is fetch-TTL minus SafetyMargin.
func (c *Cache) Get(ctx context.Context, key string, fetch FetchFunc) (string, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expiresAt) {
		return e.token, nil
	}

	token, ttl, err := fetch(ctx)
	if err != nil {
		return "", err
	}
	if ttl > SafetyMargin {
		ttl -= SafetyMargin
	}

	c.mu.Lock()
	c.entries[key] = entry{token: token, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return token, nil
}

// Invalidate evicts one key. Called when the platform reports the token as
// expired or revoked (errcode 40014/42001, HTTP 401); the caller re-issues
// the request once after invalidating.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
