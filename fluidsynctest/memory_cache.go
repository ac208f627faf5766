package fluidsynctest

import (
	"context"
	"sync"

	fluidsync "github.com/fluidsync/client-go"
)

// MemoryCache is an in-memory fluidsync.PersistentCache that records purges.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]fluidsync.CachedValue
	removed []fluidsync.FileEntry
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]fluidsync.CachedValue)}
}

func cacheKey(entry fluidsync.CacheEntry) string {
	return entry.File.DocumentID + "\x00" + entry.Type + "\x00" + entry.Key
}

// Get implements fluidsync.PersistentCache.
func (c *MemoryCache) Get(ctx context.Context, entry fluidsync.CacheEntry, maxOpCount int64) (*fluidsync.CachedValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[cacheKey(entry)]
	if !ok {
		return nil, nil
	}
	if maxOpCount > 0 && v.OpCount > maxOpCount {
		return nil, nil
	}
	return &v, nil
}

// Put implements fluidsync.PersistentCache.
func (c *MemoryCache) Put(ctx context.Context, entry fluidsync.CacheEntry, value fluidsync.CachedValue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(entry)] = value
	return nil
}

// RemoveEntries implements fluidsync.PersistentCache.
func (c *MemoryCache) RemoveEntries(ctx context.Context, file fluidsync.FileEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, file)
	prefix := file.DocumentID + "\x00"
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
		}
	}
	return nil
}

// Removed returns every RemoveEntries call.
func (c *MemoryCache) Removed() []fluidsync.FileEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]fluidsync.FileEntry, len(c.removed))
	copy(out, c.removed)
	return out
}

// Len returns the number of stored entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Interface guard
var _ fluidsync.PersistentCache = (*MemoryCache)(nil)
