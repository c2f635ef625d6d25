// Package blobcache is a size-bounded read cache of blob payloads keyed by
// blob id. It satisfies blobgc.BlobCache so the manager drops deleted blobs.
package blobcache

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/ankur-anand/blobgc"
)

const (
	DefaultMaxBytes = 64 << 20
	avgBlobSize     = 64 << 10
)

type Options struct {
	// MaxBytes bounds the payload bytes held.
	MaxBytes int64
}

func DefaultOptions() Options {
	return Options{MaxBytes: DefaultMaxBytes}
}

type Cache struct {
	cache *ristretto.Cache[string, []byte]
}

var _ blobgc.BlobCache = (*Cache)(nil)

func New(opts Options) (*Cache, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters:        numCounters(opts.MaxBytes),
		MaxCost:            opts.MaxBytes,
		BufferItems:        64,
		IgnoreInternalCost: true,
		Metrics:            true,
	})
	if err != nil {
		return nil, fmt.Errorf("create blob cache: %w", err)
	}
	return &Cache{cache: cache}, nil
}

func numCounters(maxCost int64) int64 {
	entries := maxCost / avgBlobSize
	if entries < 1 {
		entries = 1
	}
	counters := entries * 10
	if counters < 1024 {
		counters = 1024
	}
	return counters
}

func (c *Cache) Get(key string) ([]byte, bool) {
	return c.cache.Get(key)
}

// Set admits data under key. Admission is asynchronous and may be refused.
func (c *Cache) Set(key string, data []byte) bool {
	return c.cache.Set(key, data, int64(len(data)))
}

func (c *Cache) Remove(key string) {
	c.cache.Del(key)
}

// Wait blocks until pending Sets are applied.
func (c *Cache) Wait() {
	c.cache.Wait()
}

func (c *Cache) Hits() uint64 {
	return c.cache.Metrics.Hits()
}

func (c *Cache) Misses() uint64 {
	return c.cache.Metrics.Misses()
}

func (c *Cache) Close() {
	c.cache.Close()
}

// Source fetches a blob payload from its storage group.
type Source interface {
	Get(ctx context.Context, group uint32, id blobgc.BlobID) ([]byte, error)
}

// Reader serves blob reads from the cache and falls back to a Source.
type Reader struct {
	cache  *Cache
	source Source
}

func NewReader(cache *Cache, source Source) *Reader {
	return &Reader{cache: cache, source: source}
}

func (r *Reader) Get(ctx context.Context, group uint32, id blobgc.BlobID) ([]byte, error) {
	key := id.String()
	if data, ok := r.cache.Get(key); ok {
		return data, nil
	}
	data, err := r.source.Get(ctx, group, id)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, data)
	return data, nil
}
