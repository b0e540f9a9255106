package decoder

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/framepool"
)

const (
	// DefaultWidth and DefaultHeight size output buffers before the transform
	// has reported any geometry.
	DefaultWidth  = 1920
	DefaultHeight = 1080

	// maxStreamChanges bounds renegotiations within one drain so a transform
	// that reports a change on every pull cannot spin forever.
	maxStreamChanges = 4
)

// EngineStats is a snapshot of engine counters.
type EngineStats struct {
	UnitsSubmitted     uint64
	BytesSubmitted     uint64
	FramesDecoded      uint64
	FramesDropped      uint64 // zero-sized pictures
	ConversionFailures uint64 // undersized raw buffers, emitted zero filled
	DecodeErrors       uint64
	InputRetries       uint64 // backpressure resubmissions
	StreamChanges      uint64

	Subtype Subtype
	Width   int
	Height  int
	Pool    framepool.Stats
}

// Engine implements Decoder on top of any Transform: negotiation, the
// submit/drain loop, backpressure, stream changes and RGBA conversion.
//
// Engine is owned by one goroutine. Stats may be called from any goroutine.
type Engine struct {
	t    Transform
	cs   ColorSpace
	pool *framepool.Pool

	subtype Subtype
	info    OutputInfo
	format  Format
	cached  bool // info and format valid

	// scratch is the caller-allocated output buffer handed to ProcessOutput
	// when the transform does not provide its own samples.
	scratch []byte
	seq     uint64

	width  atomic.Int64
	height atomic.Int64
	sub    atomic.Int32

	unitsSubmitted     atomic.Uint64
	bytesSubmitted     atomic.Uint64
	framesDecoded      atomic.Uint64
	framesDropped      atomic.Uint64
	conversionFailures atomic.Uint64
	decodeErrors       atomic.Uint64
	inputRetries       atomic.Uint64
	streamChanges      atomic.Uint64
}

// NewEngine negotiates an output subtype on t and requests low-latency mode.
// It returns ErrInitFailed when none of the preferred subtypes is offered.
// On failure t is left open; the caller owns it.
func NewEngine(t Transform, opts Options) (*Engine, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil transform", ErrInitFailed)
	}

	e := &Engine{
		t:    t,
		cs:   opts.ColorSpace,
		pool: framepool.New(opts.PoolCapacity),
	}

	// Interactive streams cannot tolerate reorder buffering; a transform that
	// refuses the hint still decodes correctly.
	if err := t.SetLowLatency(true); err != nil {
		slog.Warn("decoder: low-latency mode not supported",
			"backend", t.Name(),
			"error", err,
		)
	}

	if err := e.negotiate(); err != nil {
		return nil, err
	}

	slog.Info("decoder: engine ready",
		"backend", t.Name(),
		"subtype", e.subtype.String(),
		"color_space", e.cs.String(),
	)
	return e, nil
}

// negotiate picks the output subtype and invalidates cached stream metadata.
func (e *Engine) negotiate() error {
	offered, err := e.t.OutputTypes()
	if err != nil {
		return fmt.Errorf("%w: enumerate output types: %v", ErrInitFailed, err)
	}

	sub, ok := Negotiate(offered, Preference)
	if !ok {
		return fmt.Errorf("%w: no supported output subtype (offered %v)", ErrInitFailed, offered)
	}

	if err := e.t.SetOutputType(sub); err != nil {
		return fmt.Errorf("%w: set output type %s: %v", ErrInitFailed, sub, err)
	}

	e.subtype = sub
	e.sub.Store(int32(sub))
	e.cached = false
	return nil
}

// Name returns the transform name.
func (e *Engine) Name() string {
	return e.t.Name()
}

// Subtype returns the currently negotiated output layout.
func (e *Engine) Subtype() Subtype {
	return e.subtype
}

// Decode submits unit and returns every picture that became available.
//
// When the transform refuses input, output is drained, the unit is
// resubmitted exactly once and output is drained again. The returned slice is
// the union of both drains and may be non-empty alongside an error.
func (e *Engine) Decode(unit []byte) ([]*Frame, error) {
	if len(unit) == 0 {
		return nil, nil
	}

	err := e.t.ProcessInput(unit)
	if err == nil {
		e.countInput(unit)
		return e.drain()
	}

	if !errors.Is(err, ErrNotAccepting) {
		e.decodeErrors.Add(1)
		return nil, fmt.Errorf("%w: submit: %v", ErrDecodeFailed, err)
	}

	// Backpressure: make room, then retry once.
	// A failed drain still gets the retry; the unit is only lost if the
	// transform refuses it again.
	frames, derr := e.drain()
	if derr != nil {
		slog.Warn("decoder: drain before resubmit failed",
			"decoder", e.t.Name(),
			"error", derr,
			"unit_bytes", len(unit),
		)
	}

	e.inputRetries.Add(1)
	if err := e.t.ProcessInput(unit); err != nil {
		e.decodeErrors.Add(1)
		return frames, errors.Join(fmt.Errorf("%w: submit after drain: %v", ErrDecodeFailed, err), derr)
	}
	e.countInput(unit)

	more, derr := e.drain()
	return append(frames, more...), derr
}

func (e *Engine) countInput(unit []byte) {
	e.unitsSubmitted.Add(1)
	e.bytesSubmitted.Add(uint64(len(unit)))
}

// Flush signals end of stream and returns the pictures still buffered.
func (e *Engine) Flush() ([]*Frame, error) {
	if err := e.t.Drain(); err != nil {
		e.decodeErrors.Add(1)
		return nil, fmt.Errorf("%w: drain: %v", ErrDecodeFailed, err)
	}
	return e.drain()
}

// drain pulls output until the transform needs more input.
func (e *Engine) drain() ([]*Frame, error) {
	var out []*Frame
	changes := 0

	for {
		if err := e.refresh(); err != nil {
			e.decodeErrors.Add(1)
			return out, err
		}

		var dst []byte
		if !e.info.ProvidesSamples {
			dst = e.outputBuffer()
		}

		raw, err := e.t.ProcessOutput(dst)
		switch {
		case err == nil:
		case errors.Is(err, ErrNeedMoreInput):
			return out, nil
		case errors.Is(err, ErrStreamChange):
			changes++
			e.streamChanges.Add(1)
			if changes > maxStreamChanges {
				e.decodeErrors.Add(1)
				return out, fmt.Errorf("%w: output stream keeps changing", ErrDecodeFailed)
			}
			if err := e.negotiate(); err != nil {
				e.decodeErrors.Add(1)
				return out, fmt.Errorf("%w: renegotiate: %v", ErrDecodeFailed, err)
			}
			slog.Info("decoder: output stream changed, renegotiated",
				"backend", e.t.Name(),
				"subtype", e.subtype.String(),
			)
			continue
		default:
			e.decodeErrors.Add(1)
			return out, fmt.Errorf("%w: pull output: %v", ErrDecodeFailed, err)
		}

		if f := e.toFrame(raw); f != nil {
			out = append(out, f)
		}
	}
}

// refresh reloads output info and format after negotiation.
func (e *Engine) refresh() error {
	if e.cached {
		return nil
	}

	info, err := e.t.OutputInfo()
	if err != nil {
		return fmt.Errorf("%w: output info: %v", ErrDecodeFailed, err)
	}
	format, err := e.t.OutputFormat()
	if err != nil {
		return fmt.Errorf("%w: output format: %v", ErrDecodeFailed, err)
	}

	e.info = info
	e.format = format
	e.cached = true
	e.width.Store(int64(format.Width))
	e.height.Store(int64(format.Height))
	return nil
}

// outputBuffer returns the caller-allocated sample buffer, sized from the
// transform's minimum or estimated as a 4:2:0 picture.
func (e *Engine) outputBuffer() []byte {
	size := e.info.MinBufferSize
	if size <= 0 {
		w, h := e.format.Width, e.format.Height
		if e.format.Stride > w {
			w = e.format.Stride
		}
		if w <= 0 || h <= 0 {
			w, h = DefaultWidth, DefaultHeight
		}
		size = w * h * 3 / 2
	}

	if cap(e.scratch) < size {
		e.scratch = make([]byte, size)
	}
	return e.scratch[:size]
}

// toFrame converts one raw picture into a pooled RGBA frame. Zero-sized
// pictures are dropped.
func (e *Engine) toFrame(raw []byte) *Frame {
	w, h := e.format.Width, e.format.Height
	if w <= 0 || h <= 0 {
		e.framesDropped.Add(1)
		slog.Debug("decoder: dropping zero-sized picture",
			"backend", e.t.Name(),
			"width", w,
			"height", h,
		)
		return nil
	}

	buf := e.pool.Get(w * h * 4)
	if !convert(buf, raw, e.subtype, w, h, e.format.Stride, e.cs) {
		e.conversionFailures.Add(1)
		slog.Warn("decoder: raw picture undersized, emitting blank frame",
			"backend", e.t.Name(),
			"subtype", e.subtype.String(),
			"width", w,
			"height", h,
			"stride", e.format.Stride,
			"size_bytes", len(raw),
		)
	}

	e.seq++
	e.framesDecoded.Add(1)

	f := newPooledFrame(w, h, buf, e.pool)
	f.Seq = e.seq
	f.DecodedAt = time.Now()
	return f
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		UnitsSubmitted:     e.unitsSubmitted.Load(),
		BytesSubmitted:     e.bytesSubmitted.Load(),
		FramesDecoded:      e.framesDecoded.Load(),
		FramesDropped:      e.framesDropped.Load(),
		ConversionFailures: e.conversionFailures.Load(),
		DecodeErrors:       e.decodeErrors.Load(),
		InputRetries:       e.inputRetries.Load(),
		StreamChanges:      e.streamChanges.Load(),
		Subtype:            Subtype(e.sub.Load()),
		Width:              int(e.width.Load()),
		Height:             int(e.height.Load()),
		Pool:               e.pool.Stats(),
	}
}

// Close releases the transform.
func (e *Engine) Close() error {
	e.scratch = nil
	return e.t.Close()
}
