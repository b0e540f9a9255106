// Package gstdecoder is the GStreamer decode backend: VAAPI hardware decode
// with silent software fallback, or forced software decode.
//
// The package adapts an appsrc → decoder → appsink pipeline to the
// decoder.Transform contract. Pictures arrive on GStreamer's streaming thread
// and are queued until the engine pulls them.
package gstdecoder

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/decoder"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/decoder/gstdecoder/internal/pipeline"
)

// Mode selects hardware or software decode.
type Mode = pipeline.Mode

const (
	ModeAuto     = pipeline.ModeAuto
	ModeHardware = pipeline.ModeHardware
	ModeSoftware = pipeline.ModeSoftware
)

// ParseMode maps "auto", "hardware"/"vaapi" and "software" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return ModeAuto, nil
	case "hardware", "vaapi":
		return ModeHardware, nil
	case "software":
		return ModeSoftware, nil
	default:
		return ModeAuto, fmt.Errorf("gstdecoder: invalid mode %q (must be auto, hardware or software)", s)
	}
}

// Config contains transform configuration.
type Config struct {
	Mode Mode
	// OutputWait is how long ProcessOutput waits for the first picture after
	// an input was submitted. Zero means DefaultOutputWait.
	OutputWait time.Duration
	// DrainTimeout bounds Drain. Zero means DefaultDrainTimeout.
	DrainTimeout time.Duration
	// QueueLimit bounds decoded pictures waiting to be pulled.
	QueueLimit int
}

const (
	DefaultOutputWait   = 20 * time.Millisecond
	DefaultDrainTimeout = 2 * time.Second
)

// ErrorCounts counts bus errors by category.
type ErrorCounts struct {
	Codec    uint64
	Resource uint64
	Unknown  uint64
}

// Transform implements decoder.Transform over a GStreamer pipeline.
type Transform struct {
	cfg   Config
	el    *pipeline.Elements
	queue *pipeline.Queue

	full atomic.Bool // appsrc reported enough-data

	format  string
	current decoder.Format
	size    int
	held    *pipeline.Picture // picture that announced a stream change
	scratch []byte

	awaiting bool // an input was submitted since the last wait
	eos      bool

	codecErrors    atomic.Uint64
	resourceErrors atomic.Uint64
	unknownErrors  atomic.Uint64
}

// New builds and starts a pipeline. Errors mean the requested mode is not
// available on this host.
func New(cfg Config) (*Transform, error) {
	if cfg.OutputWait <= 0 {
		cfg.OutputWait = DefaultOutputWait
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	format := decoder.Preference[0].String()
	el, err := pipeline.Create(pipeline.Config{Mode: cfg.Mode, Format: format})
	if err != nil {
		return nil, err
	}

	t := &Transform{
		cfg:    cfg,
		el:     el,
		queue:  pipeline.NewQueue(cfg.QueueLimit),
		format: format,
	}

	el.Src.SetCallbacks(&app.SourceCallbacks{
		NeedDataFunc: func(_ *app.Source, _ uint) {
			t.full.Store(false)
		},
		EnoughDataFunc: func(_ *app.Source) {
			t.full.Store(true)
		},
	})
	el.Sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return pipeline.OnNewSample(sink, t.queue)
		},
	})

	if err := pipeline.Start(el); err != nil {
		_ = pipeline.Destroy(el)
		return nil, err
	}
	return t, nil
}

// Factory returns a decoder.Factory building an Engine over a Transform in
// the given mode.
func Factory(mode Mode) decoder.Factory {
	return func(opts decoder.Options) (decoder.Decoder, error) {
		t, err := New(Config{Mode: mode})
		if err != nil {
			return nil, fmt.Errorf("%w: gstreamer %s: %v", decoder.ErrInitFailed, mode, err)
		}

		e, err := decoder.NewEngine(t, opts)
		if err != nil {
			_ = t.Close()
			return nil, err
		}
		return e, nil
	}
}

// Name returns "gstreamer:<decoder element>".
func (t *Transform) Name() string {
	return "gstreamer:" + t.el.DecoderName
}

// Hardware reports whether VAAPI is in use.
func (t *Transform) Hardware() bool {
	return t.el.UsingVAAPI
}

// OutputTypes lists every layout videoconvert can produce. While a picture
// announcing a stream change is held, only its own layout is offered.
func (t *Transform) OutputTypes() ([]decoder.Subtype, error) {
	if t.held != nil {
		return []decoder.Subtype{decoder.ParseSubtype(t.held.Format)}, nil
	}
	return []decoder.Subtype{decoder.SubtypeNV12, decoder.SubtypeIYUV, decoder.SubtypeYV12}, nil
}

// SetOutputType relocks the appsink caps when the subtype changes.
func (t *Transform) SetOutputType(s decoder.Subtype) error {
	name := s.String()
	if s == decoder.SubtypeUnknown {
		return fmt.Errorf("gstdecoder: unsupported subtype %s", name)
	}
	if name == t.format {
		return nil
	}
	if err := pipeline.SetFormat(t.el, name); err != nil {
		return err
	}
	t.format = name
	return nil
}

// OutputInfo reports appsink-owned samples.
func (t *Transform) OutputInfo() (decoder.OutputInfo, error) {
	return decoder.OutputInfo{ProvidesSamples: true, MinBufferSize: t.size}, nil
}

// OutputFormat returns the geometry of the last announced picture.
func (t *Transform) OutputFormat() (decoder.Format, error) {
	return t.current, nil
}

// ProcessInput pushes one access unit into appsrc.
func (t *Transform) ProcessInput(unit []byte) error {
	if err := t.checkBus(); err != nil {
		return err
	}

	if t.eos {
		if err := pipeline.Restart(t.el); err != nil {
			return err
		}
		t.eos = false
		t.full.Store(false)
	}

	if t.full.Load() {
		return decoder.ErrNotAccepting
	}

	if ret := t.el.Src.PushBuffer(gst.NewBufferFromBytes(unit)); ret != gst.FlowOK {
		return fmt.Errorf("gstdecoder: push buffer: %v", ret)
	}
	t.awaiting = true
	return nil
}

// ProcessOutput returns the next queued picture. A picture whose caps differ
// from the current format is held back and announced as a stream change.
func (t *Transform) ProcessOutput(_ []byte) ([]byte, error) {
	if t.held != nil {
		pic := *t.held
		t.held = nil
		return t.emit(pic)
	}

	pic, ok := t.queue.Pop()
	if !ok && t.awaiting {
		t.awaiting = false
		if t.queue.Wait(t.cfg.OutputWait) {
			pic, ok = t.queue.Pop()
		}
	}
	if !ok {
		return nil, decoder.ErrNeedMoreInput
	}

	if pic.Width != t.current.Width || pic.Height != t.current.Height || pic.Format != t.format {
		t.announce(pic)
		t.held = &pic
		return nil, decoder.ErrStreamChange
	}
	return t.emit(pic)
}

func (t *Transform) announce(pic pipeline.Picture) {
	layout, _ := pipeline.DefaultLayout(pic.Format, pic.Width, pic.Height)

	slog.Info("gstdecoder: output caps changed",
		"decoder", t.el.DecoderName,
		"format", pic.Format,
		"width", pic.Width,
		"height", pic.Height,
		"stride", layout.LumaStride,
	)

	t.current = decoder.Format{Width: pic.Width, Height: pic.Height, Stride: layout.LumaStride}
	t.size = layout.Size
	t.format = pic.Format
}

func (t *Transform) emit(pic pipeline.Picture) ([]byte, error) {
	out, _ := pipeline.Normalize(t.scratch, pic.Data, pic.Format, pic.Width, pic.Height)
	t.scratch = out
	return out, nil
}

// Drain ends the stream and waits until every buffered picture reached the
// appsink. The pipeline restarts on the next input.
func (t *Transform) Drain() error {
	t.awaiting = false
	if t.eos {
		return nil
	}

	if ret := t.el.Src.EndStream(); ret != gst.FlowOK {
		return fmt.Errorf("gstdecoder: end stream: %v", ret)
	}
	t.eos = true

	err := pipeline.WaitEOS(t.el, t.cfg.DrainTimeout)
	var berr *pipeline.BusError
	if errors.As(err, &berr) {
		t.count(berr)
	}
	return err
}

// SetLowLatency toggles reorder-free output on the decoder element.
func (t *Transform) SetLowLatency(enabled bool) error {
	return pipeline.SetLowLatency(t.el, enabled)
}

// Errors returns bus error counters.
func (t *Transform) Errors() ErrorCounts {
	return ErrorCounts{
		Codec:    t.codecErrors.Load(),
		Resource: t.resourceErrors.Load(),
		Unknown:  t.unknownErrors.Load(),
	}
}

// DroppedPictures counts pictures lost to queue overflow.
func (t *Transform) DroppedPictures() uint64 {
	return t.queue.Dropped()
}

// Close tears the pipeline down.
func (t *Transform) Close() error {
	t.queue.Reset()
	t.held = nil
	t.scratch = nil
	return pipeline.Destroy(t.el)
}

func (t *Transform) checkBus() error {
	err := pipeline.PollErrors(t.el)
	var berr *pipeline.BusError
	if errors.As(err, &berr) {
		t.count(berr)
	}
	return err
}

func (t *Transform) count(berr *pipeline.BusError) {
	switch berr.Category {
	case pipeline.ErrCategoryCodec:
		t.codecErrors.Add(1)
	case pipeline.ErrCategoryResource:
		t.resourceErrors.Add(1)
	default:
		t.unknownErrors.Add(1)
	}
}
