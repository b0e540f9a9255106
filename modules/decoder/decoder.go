package decoder

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/framepool"
)

var (
	// ErrInitFailed means the engine (or a platform dependency it needs)
	// could not be constructed. Permanent for that instance: the caller must
	// retry with a different backend.
	ErrInitFailed = errors.New("decoder: init failed")

	// ErrDecodeFailed means a single access unit or output pull failed.
	// Non-fatal: decoding resumes with the next input.
	ErrDecodeFailed = errors.New("decoder: decode failed")

	// ErrUnknownBackend is returned by Registry.Open for unregistered names.
	ErrUnknownBackend = errors.New("decoder: unknown backend")
)

// Decoder turns compressed video access units into RGBA frames.
//
// Implementations are owned by a single session goroutine and are NOT safe
// for concurrent use. Frames they return are safe to share across goroutines
// (immutability contract, see Frame).
type Decoder interface {
	// Decode submits one access unit and returns every picture that became
	// available. Empty input yields (nil, nil).
	Decode(unit []byte) ([]*Frame, error)

	// Flush signals end-of-stream to the underlying transform and returns
	// the pictures still buffered inside it.
	Flush() ([]*Frame, error)

	// Name identifies the backend for diagnostics (e.g. hardware vs software).
	Name() string

	// Close releases the transform. The decoder is unusable afterwards.
	Close() error
}

// Frame is one fully decoded picture in tightly packed RGBA (row-major, no
// padding): len(Data) == Width*Height*4.
//
// IMMUTABILITY CONTRACT:
//   - Producers MUST NOT modify Data after handing the frame out
//   - Consumers MUST NOT modify Data (read-only access)
//
// Frames are reference counted. The decoder hands out frames holding one
// reference; every additional holder (frame store, viewer sink) calls Retain
// and later Release. When the last reference is dropped a pooled buffer goes
// back to the decoder's framepool.
type Frame struct {
	Width     int
	Height    int
	Data      []byte
	Seq       uint64
	DecodedAt time.Time

	refs atomic.Int32
	pool *framepool.Pool
}

// NewFrame wraps an RGBA buffer in a frame with one reference and no pool.
func NewFrame(width, height int, data []byte) *Frame {
	f := &Frame{Width: width, Height: height, Data: data, DecodedAt: time.Now()}
	f.refs.Store(1)
	return f
}

func newPooledFrame(width, height int, data []byte, pool *framepool.Pool) *Frame {
	f := NewFrame(width, height, data)
	f.pool = pool
	return f
}

// Retain adds a reference and returns f for chaining.
func (f *Frame) Retain() *Frame {
	if f != nil {
		f.refs.Add(1)
	}
	return f
}

// Release drops a reference. The last release recycles the pixel buffer.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	if f.refs.Add(-1) != 0 {
		return
	}
	if f.pool != nil && f.Data != nil {
		f.pool.Put(f.Data)
		f.Data = nil
	}
}

// ReleaseAll drops one reference on every frame.
func ReleaseAll(frames []*Frame) {
	for _, f := range frames {
		f.Release()
	}
}
