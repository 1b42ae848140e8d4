package cache

import (
	"context"
	"sync"
	"time"
)

// Memo backs cacheTTL memoization (spec.md §4.3 step 7) with Redis when
// configured and an in-process map otherwise, so the method registry
// doesn't need to know which backend is live.
type Memo struct {
	cache *Cache

	mu    sync.Mutex
	local map[string]memoEntry
}

type memoEntry struct {
	value   interface{}
	expires time.Time
}

func NewMemo(c *Cache) *Memo {
	return &Memo{cache: c, local: make(map[string]memoEntry)}
}

// Get reports a cached result for key and unmarshals it into target via
// Redis, falling back to an in-process map when no Redis is configured.
func (m *Memo) Get(ctx context.Context, key string, target *interface{}) bool {
	if m.cache.IsEnabled() {
		return m.cache.Get(ctx, key, target) == nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.local[key]
	if !ok || time.Now().After(entry.expires) {
		delete(m.local, key)
		return false
	}
	*target = entry.value
	return true
}

func (m *Memo) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if m.cache.IsEnabled() {
		_ = m.cache.Set(ctx, key, value, ttl)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.local[key] = memoEntry{value: value, expires: time.Now().Add(ttl)}
}
