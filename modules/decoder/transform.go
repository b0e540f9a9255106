package decoder

import "errors"

// Transform status errors. These are not failures: they steer the engine's
// submit/drain loop.
var (
	// ErrNotAccepting means the transform's input queue is full. Drain output
	// before submitting again.
	ErrNotAccepting = errors.New("decoder: transform not accepting input")

	// ErrNeedMoreInput means no picture is currently available.
	ErrNeedMoreInput = errors.New("decoder: transform needs more input")

	// ErrStreamChange means the output format or geometry changed. The engine
	// must renegotiate before pulling again.
	ErrStreamChange = errors.New("decoder: output stream changed")
)

// OutputInfo describes how output samples are allocated.
type OutputInfo struct {
	// ProvidesSamples is true when the transform owns output storage and
	// ProcessOutput ignores dst.
	ProvidesSamples bool
	// MinBufferSize is the smallest dst the transform accepts, 0 if unknown.
	MinBufferSize int
}

// Format is the geometry of raw output pictures.
type Format struct {
	Width  int
	Height int
	// Stride is the luma row pitch in bytes; 0 means Width.
	Stride int
}

// Transform is the adapter over a platform video decoder. Engine drives it;
// backends implement it.
//
// A Transform is used from a single goroutine.
type Transform interface {
	Name() string

	// OutputTypes lists raw layouts the transform can produce.
	OutputTypes() ([]Subtype, error)
	SetOutputType(Subtype) error
	OutputInfo() (OutputInfo, error)
	OutputFormat() (Format, error)

	// ProcessInput submits one access unit. ErrNotAccepting means retry
	// after draining.
	ProcessInput(unit []byte) error

	// ProcessOutput pulls one raw picture. dst is a pre-allocated buffer when
	// OutputInfo().ProvidesSamples is false, nil otherwise. The returned
	// slice is only valid until the next call.
	ProcessOutput(dst []byte) ([]byte, error)

	// Drain signals end of stream; buffered pictures become available to
	// ProcessOutput and then it reports ErrNeedMoreInput.
	Drain() error

	SetLowLatency(enabled bool) error
	Close() error
}
