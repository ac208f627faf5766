// Package boltcache implements the persistent cache on bbolt. Entries are
// scoped to a file and stamped with the epoch they were written under, so
// the epoch tracker can purge a whole file's artifacts in one call.
package boltcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	fluidsync "github.com/fluidsync/client-go"
)

var entriesBucket = []byte("entries")

// Cache is a bbolt-backed fluidsync.PersistentCache.
type Cache struct {
	db     *bbolt.DB
	mu     sync.RWMutex
	closed bool
}

// Open creates or opens the cache database under dataDir.
func Open(dataDir string) (*Cache, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "cache.db")
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create entries bucket: %w", err)
	}

	return &Cache{db: db}, nil
}

// filePrefix keys every entry under its file so RemoveEntries is a prefix
// scan. The separator cannot appear in a document id.
func filePrefix(file fluidsync.FileEntry) []byte {
	return []byte(file.DocumentID + "\x00")
}

func entryKey(entry fluidsync.CacheEntry) []byte {
	return []byte(entry.File.DocumentID + "\x00" + entry.Type + "\x00" + entry.Key)
}

// Get returns the cached value for entry, or nil when absent or when
// maxOpCount > 0 and the stored value's OpCount exceeds it.
func (c *Cache) Get(ctx context.Context, entry fluidsync.CacheEntry, maxOpCount int64) (*fluidsync.CachedValue, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, fmt.Errorf("cache is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var value *fluidsync.CachedValue
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(entriesBucket).Get(entryKey(entry))
		if data == nil {
			return nil
		}
		var v fluidsync.CachedValue
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("failed to decode cache entry: %w", err)
		}
		value = &v
		return nil
	})
	if err != nil {
		return nil, err
	}
	if value != nil && maxOpCount > 0 && value.OpCount > maxOpCount {
		return nil, nil
	}
	return value, nil
}

// Put stores a value for entry.
func (c *Cache) Put(ctx context.Context, entry fluidsync.CacheEntry, value fluidsync.CachedValue) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("cache is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(entriesBucket).Put(entryKey(entry), data)
	})
}

// RemoveEntries deletes every entry scoped to file.
func (c *Cache) RemoveEntries(ctx context.Context, file fluidsync.FileEntry) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("cache is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	prefix := filePrefix(file)
	return c.db.Update(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(entriesBucket).Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			if err := cursor.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the database.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}

// Interface guard
var _ fluidsync.PersistentCache = (*Cache)(nil)
