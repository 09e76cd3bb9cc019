package bytesource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Cache is a Source that keeps recently read entries in memory, bounded by
// their total size.
//
// Design:
//   - LRU eviction by bytes, not entry count
//   - Concurrent misses for the same name share one read of the underlying
//     source
//   - Misses and errors are not cached
//   - Invalidate drops an entry; a read racing with it is not stored
type Cache struct {
	src      Source
	maxBytes int64

	mu    sync.Mutex
	items map[string]*lruNode
	lru   lruList
	bytes int64
	gen   uint64 // bumped by every invalidation

	group singleflight.Group

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Entries   int
	Bytes     int64
}

// NewCache wraps src with an LRU holding at most maxBytes of data.
// Entries larger than maxBytes are served but never cached.
func NewCache(src Source, maxBytes int64) *Cache {
	return &Cache{
		src:      src,
		maxBytes: maxBytes,
		items:    make(map[string]*lruNode),
	}
}

// ReadFile implements Source.
func (c *Cache) ReadFile(ctx context.Context, name string) ([]byte, error) {
	c.mu.Lock()
	if node, ok := c.items[name]; ok {
		c.lru.moveToFront(node)
		c.mu.Unlock()
		c.hits.Add(1)
		return node.data, nil
	}
	gen := c.gen
	c.mu.Unlock()
	c.misses.Add(1)

	ch := c.group.DoChan(name, func() (any, error) {
		// Shared by every waiter, so no single caller may cancel it
		data, err := c.src.ReadFile(context.WithoutCancel(ctx), name)
		if err != nil {
			return nil, err
		}
		c.store(name, data, gen)
		return data, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) store(name string, data []byte, gen uint64) {
	size := int64(len(data))
	if size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		// Invalidated while loading
		return
	}
	if node, ok := c.items[name]; ok {
		c.bytes += size - int64(len(node.data))
		node.data = data
		c.lru.moveToFront(node)
	} else {
		c.items[name] = c.lru.pushFront(name, data)
		c.bytes += size
	}

	for c.bytes > c.maxBytes {
		victim := c.lru.back()
		c.drop(victim)
		c.evictions.Add(1)
	}
}

// drop removes node; c.mu must be held.
func (c *Cache) drop(node *lruNode) {
	c.lru.remove(node)
	delete(c.items, node.name)
	c.bytes -= int64(len(node.data))
}

// Invalidate removes name from the cache.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.group.Forget(name)
	if node, ok := c.items[name]; ok {
		c.drop(node)
	}
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	clear(c.items)
	c.lru = lruList{}
	c.bytes = 0
}

// WriteFile writes through to the underlying source, which must be a
// Sink, and invalidates the cached entry.
func (c *Cache) WriteFile(ctx context.Context, name string, data []byte) error {
	sink, ok := c.src.(Sink)
	if !ok {
		return errors.ErrUnsupported
	}
	defer c.Invalidate(name)
	return sink.WriteFile(ctx, name, data)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	entries, bytes := c.lru.len(), c.bytes
	c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   entries,
		Bytes:     bytes,
	}
}
