// Package decodertest provides a decoder for tests that need frames without
// a video stack.
package decodertest

import (
	"sync"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/decoder"
)

// Unit encodes a w×h frame filled with fill, the only input Solid accepts.
func Unit(w, h int, fill byte) []byte {
	return []byte{byte(w >> 8), byte(w), byte(h >> 8), byte(h), fill}
}

// Solid decodes Unit payloads into solid-colour frames. Any other non-empty
// unit fails with decoder.ErrDecodeFailed.
type Solid struct {
	mu      sync.Mutex
	decodes int
	flushes int
	closed  bool
}

// Decode implements decoder.Decoder.
func (d *Solid) Decode(u []byte) ([]*decoder.Frame, error) {
	if len(u) == 0 {
		return nil, nil
	}
	if len(u) != 5 {
		return nil, decoder.ErrDecodeFailed
	}
	w := int(u[0])<<8 | int(u[1])
	h := int(u[2])<<8 | int(u[3])
	data := make([]byte, w*h*4)
	for i := range data {
		data[i] = u[4]
	}

	d.mu.Lock()
	d.decodes++
	d.mu.Unlock()
	return []*decoder.Frame{decoder.NewFrame(w, h, data)}, nil
}

// Flush implements decoder.Decoder.
func (d *Solid) Flush() ([]*decoder.Frame, error) {
	d.mu.Lock()
	d.flushes++
	d.mu.Unlock()
	return nil, nil
}

// Name implements decoder.Decoder.
func (d *Solid) Name() string { return "solid" }

// Close implements decoder.Decoder.
func (d *Solid) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// Closed reports whether Close ran.
func (d *Solid) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Registry returns a decoder registry whose "solid" backend hands out a new
// Solid per session.
func Registry() *decoder.Registry {
	reg := decoder.NewRegistry()
	reg.Register("solid", func(decoder.Options) (decoder.Decoder, error) {
		return &Solid{}, nil
	})
	return reg
}
