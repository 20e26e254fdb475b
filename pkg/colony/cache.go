package colony

import (
	"context"
	"sync"
	"time"
)

// Cache holds current estimates per canonical place
type Cache interface {
	Get(ctx context.Context, placeID string) (*Estimate, bool, error)
	Set(ctx context.Context, estimate *Estimate) error
	Invalidate(ctx context.Context, placeIDs ...string) error
}

// MemoryCache is an in-process Cache with a fixed entry lifetime
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

type cacheEntry struct {
	estimate  Estimate
	expiresAt time.Time
}

func NewMemoryCache(ttl time.Duration, maxSize int) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, placeID string) (*Estimate, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[placeID]
	c.mu.RUnlock()

	if !ok || !c.now().Before(entry.expiresAt) {
		return nil, false, nil
	}
	est := entry.estimate
	return &est, true, nil
}

func (c *MemoryCache) Set(_ context.Context, estimate *Estimate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictHalf()
	}
	c.entries[estimate.PlaceID] = &cacheEntry{estimate: *estimate, expiresAt: c.now().Add(c.ttl)}
	return nil
}

// evictHalf drops half the entries; callers hold the write lock
func (c *MemoryCache) evictHalf() {
	target := len(c.entries) / 2
	count := 0
	for key := range c.entries {
		delete(c.entries, key)
		count++
		if count >= target {
			break
		}
	}
}

func (c *MemoryCache) Invalidate(_ context.Context, placeIDs ...string) error {
	c.mu.Lock()
	for _, id := range placeIDs {
		delete(c.entries, id)
	}
	c.mu.Unlock()
	return nil
}
