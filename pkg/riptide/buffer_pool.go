// Package riptide provides the shared building blocks of the riptide HTTP
// server: the sized read-buffer pool and its metrics.
package riptide

import (
	"sync"
	"sync/atomic"
)

// Buffer size classes. Connection read buffers start small and grow by
// doubling, so the classes are powers of 4 apart to keep the pool count low.
const (
	BufferSize4KB   = 4 * 1024
	BufferSize16KB  = 16 * 1024
	BufferSize64KB  = 64 * 1024
	BufferSize256KB = 256 * 1024
	BufferSize1MB   = 1024 * 1024
)

var sizeClasses = [...]int{BufferSize4KB, BufferSize16KB, BufferSize64KB, BufferSize256KB, BufferSize1MB}

// BufferPool provides size-specific buffer pooling with metrics tracking.
//
// Design:
// - Size classes from 4KB to 1MB; larger requests are allocated directly
// - Get returns the smallest class that fits
// - Put routes by capacity; buffers below the smallest class are dropped
// - Thread-safe with sync.Pool
type BufferPool struct {
	pools [len(sizeClasses)]*sizedBufferPool

	// Oversized buffers are never pooled
	oversized atomic.Uint64
}

// sizedBufferPool manages a single size class of buffers
type sizedBufferPool struct {
	size int
	pool sync.Pool

	gets     atomic.Uint64
	puts     atomic.Uint64
	misses   atomic.Uint64 // New allocations
	discards atomic.Uint64
}

func newSizedBufferPool(size int) *sizedBufferPool {
	sbp := &sizedBufferPool{size: size}
	sbp.pool.New = func() any {
		sbp.misses.Add(1)
		buf := make([]byte, size)
		return &buf
	}
	return sbp
}

func (sbp *sizedBufferPool) get() []byte {
	sbp.gets.Add(1)
	bufPtr := sbp.pool.Get().(*[]byte)
	return (*bufPtr)[:sbp.size]
}

func (sbp *sizedBufferPool) put(buf []byte) {
	sbp.puts.Add(1)
	if cap(buf) < sbp.size {
		sbp.discards.Add(1)
		return
	}
	buf = buf[:sbp.size]
	sbp.pool.Put(&buf)
}

// NewBufferPool creates a new buffer pool with one pool per size class.
func NewBufferPool() *BufferPool {
	bp := &BufferPool{}
	for i, size := range sizeClasses {
		bp.pools[i] = newSizedBufferPool(size)
	}
	return bp
}

// Get retrieves a buffer of at least the requested size. The returned
// slice has len == cap == the size class.
//
// Example:
//
//	buf := pool.Get(3000) // 4KB buffer
//	defer pool.Put(buf)
func (bp *BufferPool) Get(size int) []byte {
	for _, p := range bp.pools {
		if size <= p.size {
			return p.get()
		}
	}
	bp.oversized.Add(1)
	return make([]byte, size)
}

// Put returns a buffer to the largest class its capacity can serve.
// After calling Put, the buffer MUST NOT be used anymore.
func (bp *BufferPool) Put(buf []byte) {
	c := cap(buf)
	if c < sizeClasses[0] || c > BufferSize1MB {
		// Too small to be useful or oversized; let the GC have it
		return
	}
	for i := len(bp.pools) - 1; i >= 0; i-- {
		if c >= bp.pools[i].size {
			bp.pools[i].put(buf)
			return
		}
	}
}

// Grow returns a buffer of at least size holding a copy of buf[:n], and
// releases buf to the pool.
func (bp *BufferPool) Grow(buf []byte, n, size int) []byte {
	next := bp.Get(size)
	copy(next, buf[:n])
	bp.Put(buf)
	return next
}

// SizedPoolMetrics contains metrics for a single size class
type SizedPoolMetrics struct {
	Size     int
	Gets     uint64
	Puts     uint64
	Hits     uint64
	Misses   uint64
	Discards uint64
	HitRate  float64 // Percentage
}

// BufferPoolMetrics contains pool statistics
type BufferPoolMetrics struct {
	Classes   []SizedPoolMetrics
	Oversized uint64
}

// GetMetrics returns a snapshot of the pool counters.
func (bp *BufferPool) GetMetrics() BufferPoolMetrics {
	m := BufferPoolMetrics{
		Classes:   make([]SizedPoolMetrics, 0, len(bp.pools)),
		Oversized: bp.oversized.Load(),
	}
	for _, p := range bp.pools {
		gets, misses := p.gets.Load(), p.misses.Load()
		// hits = gets - misses, since New() counts the misses
		var hits uint64
		if gets >= misses {
			hits = gets - misses
		}
		var rate float64
		if gets > 0 {
			rate = float64(hits) / float64(gets) * 100.0
		}
		m.Classes = append(m.Classes, SizedPoolMetrics{
			Size:     p.size,
			Gets:     gets,
			Puts:     p.puts.Load(),
			Hits:     hits,
			Misses:   misses,
			Discards: p.discards.Load(),
			HitRate:  rate,
		})
	}
	return m
}

var defaultBufferPool = NewBufferPool()

// DefaultBufferPool returns the process-wide pool used by connections
// that are not given their own.
func DefaultBufferPool() *BufferPool {
	return defaultBufferPool
}
