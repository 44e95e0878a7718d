// Package templatecache keeps raw workflow template bytes in a bitcask
// store so repeated jobs skip the disk read of large graph documents.
package templatecache

import (
	"context"
	"time"

	"genstudio/logger"

	"git.mills.io/prologic/bitcask"
)

// Cache is a gzip-compressed, hash-keyed bitcask store.
type Cache struct {
	db  *bitcask.Bitcask
	ttl time.Duration
}

// Open opens (or creates) the store at path. Entries written with a
// non-zero ttl expire after it.
func Open(path string, ttl time.Duration) (*Cache, error) {
	// Large video workflows exceed the default 65KB value limit.
	db, err := bitcask.Open(path, bitcask.WithMaxValueSize(10*1024*1024))
	if err != nil {
		return nil, err
	}
	return &Cache{db: db, ttl: ttl}, nil
}

// Close closes the underlying store.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Merge compacts the store to reclaim space.
func (c *Cache) Merge() error {
	logger.Info("Merging template cache to reclaim space...")
	if err := c.db.Merge(); err != nil {
		logger.Error("Error merging template cache", "error", err)
		return err
	}
	logger.Info("Template cache merge complete.")
	return nil
}

// MergeEvery merges the store on every tick of interval until ctx ends.
func (c *Cache) MergeEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Merge()
		}
	}
}

func (c *Cache) Put(key string, value []byte) error {
	compressedValue, err := compress(value)
	if err != nil {
		return err
	}
	if c.ttl > 0 {
		return c.db.PutWithTTL(CacheKey(key), compressedValue, c.ttl)
	}
	return c.db.Put(CacheKey(key), compressedValue)
}

func (c *Cache) Get(key string) ([]byte, error) {
	compressedValue, err := c.db.Get(CacheKey(key))
	if err != nil {
		return nil, err
	}
	return decompress(compressedValue)
}

func (c *Cache) Has(key string) bool {
	return c.db.Has(CacheKey(key))
}

func (c *Cache) Delete(key string) error {
	return c.db.Delete(CacheKey(key))
}
