package wiremux

import (
	"sync"
)

// minPoolClass and maxPoolClass bound the size classes the pool manages.
// Requests outside this range bypass the pool entirely.
const (
	minPoolClass = 64
	maxPoolClass = 128 * 1024
)

// BytePool is a size-classed allocator of byte buffers. It rounds every
// request up to the next power of two and rents from a sync.Pool dedicated
// to that class, avoiding per-packet allocation on the hot receive path.
// A BytePool is safe for concurrent use; the zero value is not usable, use
// NewBytePool.
type BytePool struct {
	classes map[int]*sync.Pool
	metrics *Metrics
}

// NewBytePool creates a pool with classes for every power of two between
// minPoolClass and maxPoolClass inclusive.
func NewBytePool(metrics *Metrics) *BytePool {
	p := &BytePool{
		classes: make(map[int]*sync.Pool),
		metrics: metrics,
	}
	for size := minPoolClass; size <= maxPoolClass; size *= 2 {
		sz := size
		p.classes[sz] = &sync.Pool{
			New: func() any {
				buf := make([]byte, sz)
				return &buf
			},
		}
	}
	return p
}

// Rent returns a buffer of at least n bytes, sliced to exactly n. Buffers
// rented for a size class larger than maxPoolClass bypass the pool and are
// never returned to it by Return.
func (p *BytePool) Rent(n int) []byte {
	class := poolClassFor(n)
	pool, ok := p.classes[class]
	if !ok {
		p.metrics.incPoolBypass()
		return make([]byte, n)
	}

	bufPtr := pool.Get().(*[]byte)
	buf := *bufPtr
	if cap(buf) < n {
		buf = make([]byte, class)
	}
	p.metrics.incPoolRent()
	return buf[:n]
}

// Return places buf back on the free list for its capacity's size class.
// Buffers whose capacity does not match a managed class (including
// oversize rentals) are dropped for the GC to collect.
func (p *BytePool) Return(buf []byte) {
	class := poolClassFor(cap(buf))
	pool, ok := p.classes[class]
	if !ok || cap(buf) != class {
		return
	}
	full := buf[:cap(buf)]
	pool.Put(&full)
	p.metrics.incPoolReturn()
}

// poolClassFor rounds n up to the next power of two, clamped to
// [minPoolClass, maxPoolClass]. A result above maxPoolClass signals an
// oversize request that bypasses the pool.
func poolClassFor(n int) int {
	if n <= minPoolClass {
		return minPoolClass
	}
	class := minPoolClass
	for class < n {
		if class >= maxPoolClass {
			return n // oversize, caller bypasses pool
		}
		class *= 2
	}
	return class
}
