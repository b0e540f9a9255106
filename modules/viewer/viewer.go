// Package viewer provides push-delivery sinks for decoded frames.
//
// Core Philosophy: "Drop frames, never queue. Latency > Completeness."
//
// A session pushes every decoded frame into the attached sink from its own
// goroutine; Push never blocks on a slow viewer. Frames are handed over by
// reference (Retain) without re-encoding, and every sink releases frames it
// drops.
//
//   - Latest: single-slot mailbox, new frame overwrites an unconsumed one
//   - Chan:   buffered channel, incoming frame dropped when full
//   - Func:   synchronous callback, for writers that are already fast
package viewer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/decoder"
)

// ErrSinkClosed is returned by Push after Close.
var ErrSinkClosed = errors.New("viewer: sink is closed")

// Sink receives decoded frames from a session.
type Sink interface {
	// Push hands f to the viewer. The sink retains f if it keeps it; the
	// caller keeps its own reference.
	Push(f *decoder.Frame) error
	// Close stops delivery. Further pushes return ErrSinkClosed.
	Close()
}

// Stats tracks delivery for one sink.
type Stats struct {
	Pushed           uint64
	Delivered        uint64
	Dropped          uint64
	ConsecutiveDrops uint64
	LastDeliveredSeq uint64
	LastDeliveredAt  time.Time
}

// Latest is a single-slot mailbox (DropOld policy).
//
// Thread-safety: Push from the session goroutine, Receive from one viewer
// goroutine.
type Latest struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frame  *decoder.Frame // nil = consumed
	closed bool
	stats  Stats
}

// NewLatest creates an empty mailbox.
func NewLatest() *Latest {
	l := &Latest{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Push overwrites any unconsumed frame and wakes the receiver.
func (l *Latest) Push(f *decoder.Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrSinkClosed
	}

	l.stats.Pushed++
	if l.frame != nil {
		l.stats.Dropped++
		l.stats.ConsecutiveDrops++
		l.frame.Release()
	}
	l.frame = f.Retain()
	l.cond.Signal()
	return nil
}

// Receive blocks until a frame is available and takes it. Returns nil once
// the mailbox is closed. The caller must Release the frame.
func (l *Latest) Receive() *decoder.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.frame == nil && !l.closed {
		l.cond.Wait()
	}
	if l.closed {
		return nil
	}
	return l.take()
}

// TryReceive takes the pending frame without blocking.
func (l *Latest) TryReceive() (*decoder.Frame, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.frame == nil || l.closed {
		return nil, false
	}
	return l.take(), true
}

// take consumes the slot (caller holds mu).
func (l *Latest) take() *decoder.Frame {
	f := l.frame
	l.frame = nil
	l.stats.Delivered++
	l.stats.ConsecutiveDrops = 0
	l.stats.LastDeliveredSeq = f.Seq
	l.stats.LastDeliveredAt = time.Now()
	return f
}

// Close wakes a blocked receiver and releases the pending frame.
func (l *Latest) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	if l.frame != nil {
		l.frame.Release()
		l.frame = nil
	}
	l.cond.Broadcast()
}

// Closed reports whether Close ran, from either side.
func (l *Latest) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Stats returns a snapshot of delivery counters.
func (l *Latest) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Chan delivers frames over a buffered channel (DropNew policy).
type Chan struct {
	ch     chan *decoder.Frame
	mu     sync.RWMutex
	closed bool

	pushed  atomic.Uint64
	dropped atomic.Uint64
}

// NewChan creates a sink with the given buffer (minimum 1).
func NewChan(buffer int) *Chan {
	if buffer < 1 {
		buffer = 1
	}
	return &Chan{ch: make(chan *decoder.Frame, buffer)}
}

// C returns the receive side. It is closed by Close; receivers must Release
// every frame.
func (c *Chan) C() <-chan *decoder.Frame {
	return c.ch
}

// Push sends without blocking; the frame is dropped when the buffer is full.
func (c *Chan) Push(f *decoder.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrSinkClosed
	}

	c.pushed.Add(1)
	select {
	case c.ch <- f.Retain():
	default:
		f.Release()
		c.dropped.Add(1)
	}
	return nil
}

// Close closes the channel and releases buffered frames.
func (c *Chan) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.ch)
	c.mu.Unlock()

	for f := range c.ch {
		f.Release()
	}
}

// Stats returns a snapshot of delivery counters.
func (c *Chan) Stats() Stats {
	pushed := c.pushed.Load()
	dropped := c.dropped.Load()
	return Stats{Pushed: pushed, Dropped: dropped, Delivered: pushed - dropped}
}

// Func adapts a synchronous callback. The callback runs on the session
// goroutine and must not retain f beyond the call without calling Retain.
type Func func(f *decoder.Frame) error

// Push calls fn.
func (fn Func) Push(f *decoder.Frame) error {
	return fn(f)
}

// Close is a no-op.
func (Func) Close() {}
