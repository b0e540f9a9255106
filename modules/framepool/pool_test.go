package framepool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPool_SameSizeReuseNeverAllocates validates the steady-state decode loop:
// one warm-up allocation, then every Get/Put cycle of the same size is served
// from the pool.
func TestPool_SameSizeReuseNeverAllocates(t *testing.T) {
	p := New(4)
	const size = 1920 * 1080 * 4

	buf := p.Get(size)
	require.Len(t, buf, size)
	p.Put(buf)

	before := p.Stats().Allocations
	for i := 0; i < 100; i++ {
		b := p.Get(size)
		require.Len(t, b, size)
		p.Put(b)
	}

	stats := p.Stats()
	assert.Equal(t, before, stats.Allocations, "same-size reuse must not allocate")
	assert.Equal(t, uint64(100), stats.Reuses)
}

// TestPool_LargerThanPooledAllocates validates that a request bigger than any
// pooled buffer allocates instead of returning an undersized slice.
func TestPool_LargerThanPooledAllocates(t *testing.T) {
	p := New(4)
	p.Put(make([]byte, 1280*720*4))

	before := p.Stats().Allocations
	buf := p.Get(1920 * 1080 * 4)

	assert.Len(t, buf, 1920*1080*4)
	assert.Equal(t, before+1, p.Stats().Allocations)
}

func TestPool_SmallerRequestReusesLargerBuffer(t *testing.T) {
	p := New(2)
	p.Put(make([]byte, 1000))

	buf := p.Get(10)

	assert.Len(t, buf, 10)
	assert.GreaterOrEqual(t, cap(buf), 1000)
	assert.Equal(t, uint64(0), p.Stats().Allocations)
}

func TestPool_BestFitPicksSmallestSufficient(t *testing.T) {
	p := New(4)
	p.Put(make([]byte, 4096))
	p.Put(make([]byte, 512))
	p.Put(make([]byte, 1024))

	buf := p.Get(600)

	assert.Equal(t, 1024, cap(buf))
}

func TestPool_CapacityBoundsIdleBuffers(t *testing.T) {
	p := New(2)
	for i := 0; i < 5; i++ {
		p.Put(make([]byte, 64))
	}

	stats := p.Stats()
	assert.Equal(t, 2, stats.Pooled)
	assert.Equal(t, uint64(3), stats.Discards)
}

// TestPool_ExhaustionFallsBackToAllocation validates that more buffers in
// flight than capacity never blocks.
func TestPool_ExhaustionFallsBackToAllocation(t *testing.T) {
	p := New(1)
	p.Put(make([]byte, 64))

	a := p.Get(64)
	b := p.Get(64) // pool empty now

	assert.Len(t, a, 64)
	assert.Len(t, b, 64)
	assert.Equal(t, uint64(1), p.Stats().Allocations)
}

func TestPool_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Capacity())
	assert.Equal(t, DefaultCapacity, New(-3).Capacity())
}

func TestPool_PutNilIsNoop(t *testing.T) {
	p := New(2)
	p.Put(nil)
	assert.Equal(t, 0, p.Stats().Pooled)
}

func TestPool_ConcurrentGetPut(t *testing.T) {
	p := New(4)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b := p.Get(256)
				b[0] = byte(i)
				p.Put(b)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, p.Stats().Pooled, 4)
}
