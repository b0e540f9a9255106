// Package framepool provides a bounded set of reusable byte buffers for the
// decode hot path.
//
// Philosophy: "Recycle, never block." A decoder converts every picture into
// an RGBA buffer of the same size for long stretches of a session, so the
// buffers that come back from the frame store and the viewer sinks are handed
// out again instead of being garbage.
//
// Design:
//   - Fixed capacity (DefaultCapacity = 4 buffers)
//   - Get never blocks: exhaustion falls back to a fresh allocation
//   - Put keeps at most capacity buffers, the rest are left to the GC
//   - Counters are atomic so Stats never contends with Get/Put
package framepool

import (
	"sync"
	"sync/atomic"
)

// DefaultCapacity is the number of buffers a pool keeps when none is given.
const DefaultCapacity = 4

// Stats is a snapshot of pool activity.
type Stats struct {
	// Allocations counts Get calls that had to allocate (fresh or grown).
	Allocations uint64
	// Reuses counts Get calls served from a pooled buffer without allocating.
	Reuses uint64
	// Discards counts Put calls dropped because the pool was full.
	Discards uint64
	// Pooled is the number of buffers currently idle in the pool.
	Pooled int
}

// Pool is a bounded free-list of byte buffers keyed by capacity.
//
// Thread-safety: all methods are safe for concurrent use. The decoder owns the
// pool, but frames are released from whatever goroutine drops the last
// reference (frame store writer, viewer sink).
type Pool struct {
	mu       sync.Mutex
	free     [][]byte
	capacity int

	allocations uint64
	reuses      uint64
	discards    uint64
}

// New creates a pool that keeps at most capacity idle buffers.
// A capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pool{
		free:     make([][]byte, 0, capacity),
		capacity: capacity,
	}
}

// Capacity returns the maximum number of idle buffers the pool keeps.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Get returns a buffer with len == minSize and cap >= minSize.
//
// Algorithm:
//  1. Best fit: smallest pooled buffer whose cap >= minSize (no allocation)
//  2. Otherwise replace one undersized pooled buffer with a larger one (allocation)
//  3. Otherwise allocate fresh (pool exhausted, never blocks)
//
// The contents of the returned slice are unspecified.
func (p *Pool) Get(minSize int) []byte {
	if minSize < 0 {
		minSize = 0
	}

	p.mu.Lock()
	best := -1
	for i, buf := range p.free {
		if cap(buf) < minSize {
			continue
		}
		if best < 0 || cap(buf) < cap(p.free[best]) {
			best = i
		}
	}

	if best >= 0 {
		buf := p.take(best)
		p.mu.Unlock()
		atomic.AddUint64(&p.reuses, 1)
		return buf[:minSize]
	}

	// Nothing large enough: retire one undersized buffer so the pool does
	// not fill up with buffers that can never serve the current geometry.
	if len(p.free) > 0 {
		p.take(len(p.free) - 1)
	}
	p.mu.Unlock()

	atomic.AddUint64(&p.allocations, 1)
	return make([]byte, minSize)
}

// take removes free[i] (caller holds mu).
func (p *Pool) take(i int) []byte {
	buf := p.free[i]
	last := len(p.free) - 1
	p.free[i] = p.free[last]
	p.free[last] = nil
	p.free = p.free[:last]
	return buf
}

// Put returns buf to the pool. Buffers beyond capacity are discarded.
// Put(nil) is a no-op.
func (p *Pool) Put(buf []byte) {
	if cap(buf) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) >= p.capacity {
		atomic.AddUint64(&p.discards, 1)
		return
	}
	p.free = append(p.free, buf[:0])
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	pooled := len(p.free)
	p.mu.Unlock()

	return Stats{
		Allocations: atomic.LoadUint64(&p.allocations),
		Reuses:      atomic.LoadUint64(&p.reuses),
		Discards:    atomic.LoadUint64(&p.discards),
		Pooled:      pooled,
	}
}
