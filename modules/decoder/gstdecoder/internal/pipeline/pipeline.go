package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Mode selects the decoder elements.
type Mode int

const (
	// ModeAuto tries VAAPI and silently falls back to software.
	ModeAuto Mode = iota
	// ModeHardware requires VAAPI and fails otherwise.
	ModeHardware
	// ModeSoftware forces CPU decode.
	ModeSoftware
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeHardware:
		return "hardware"
	case ModeSoftware:
		return "software"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Config contains configuration for pipeline creation.
type Config struct {
	Mode Mode
	// Format is the raw output format locked on the appsink side
	// ("NV12", "I420" or "YV12"). Empty means NV12.
	Format string
	// MaxQueuedBytes bounds compressed data queued in appsrc before it
	// reports enough-data.
	MaxQueuedBytes uint64
}

// Elements holds references to the pipeline elements the transform drives.
type Elements struct {
	Pipeline    *gst.Pipeline
	Src         *app.Source
	Sink        *app.Sink
	RawCaps     *gst.Element
	Decoder     *gst.Element
	DecoderName string
	UsingVAAPI  bool
}

const h264Caps = "video/x-h264,stream-format=byte-stream,alignment=au"

// Create builds a decode pipeline. The pipeline is left in READY state;
// caller must call Start.
//
// Pipeline structure:
//
//	appsrc → h264parse → vaapih264dec → vaapipostproc → videoconvert → capsfilter → appsink
//	appsrc → h264parse → avdec_h264 → videoconvert → capsfilter → appsink
//
// In ModeAuto any failure on the hardware path (missing element, VA display
// that cannot be opened in READY) tears the partial pipeline down and builds
// the software one instead.
func Create(cfg Config) (*Elements, error) {
	gst.Init(nil)

	if cfg.Format == "" {
		cfg.Format = "NV12"
	}
	if cfg.MaxQueuedBytes == 0 {
		cfg.MaxQueuedBytes = 4 << 20
	}

	switch cfg.Mode {
	case ModeHardware:
		return createHardware(cfg)
	case ModeSoftware:
		return createSoftware(cfg)
	case ModeAuto:
		el, err := createHardware(cfg)
		if err == nil {
			return el, nil
		}
		slog.Warn("gstdecoder: VAAPI unavailable, using software decoder", "error", err)
		return createSoftware(cfg)
	default:
		return nil, fmt.Errorf("invalid decode mode: %d", cfg.Mode)
	}
}

func createHardware(cfg Config) (*Elements, error) {
	dec, err := gst.NewElement("vaapih264dec")
	if err != nil {
		return nil, fmt.Errorf("failed to create vaapih264dec: %w", err)
	}

	postproc, err := gst.NewElement("vaapipostproc")
	if err != nil {
		return nil, fmt.Errorf("failed to create vaapipostproc: %w", err)
	}
	// NV12 is the surface format; videoconvert handles planar requests on CPU.
	postproc.SetProperty("format", "nv12")

	el, err := assemble(cfg, dec, postproc)
	if err != nil {
		return nil, err
	}
	el.DecoderName = "vaapih264dec"
	el.UsingVAAPI = true

	// READY opens the VA display and binds the device; a host without a
	// usable render node fails here.
	if err := el.Pipeline.SetState(gst.StateReady); err != nil {
		_ = Destroy(el)
		return nil, fmt.Errorf("failed to open VA device: %w", err)
	}

	slog.Info("gstdecoder: VAAPI pipeline created",
		"decoder", el.DecoderName,
		"format", cfg.Format,
	)
	return el, nil
}

func createSoftware(cfg Config) (*Elements, error) {
	var (
		dec  *gst.Element
		name string
		err  error
	)
	for _, candidate := range []string{"avdec_h264", "openh264dec"} {
		dec, err = gst.NewElement(candidate)
		if err == nil {
			name = candidate
			break
		}
		slog.Debug("gstdecoder: software decoder unavailable", "element", candidate, "error", err)
	}
	if dec == nil {
		return nil, fmt.Errorf("failed to create software H.264 decoder: %w", err)
	}

	if name == "avdec_h264" {
		dec.SetProperty("max-threads", 0)
		dec.SetProperty("output-corrupt", false)
	}

	el, err := assemble(cfg, dec)
	if err != nil {
		return nil, err
	}
	el.DecoderName = name

	if err := el.Pipeline.SetState(gst.StateReady); err != nil {
		_ = Destroy(el)
		return nil, fmt.Errorf("failed to move software pipeline to READY: %w", err)
	}

	slog.Info("gstdecoder: software pipeline created",
		"decoder", name,
		"format", cfg.Format,
	)
	return el, nil
}

// assemble adds and links appsrc → h264parse → decoders... → videoconvert →
// capsfilter → appsink.
func assemble(cfg Config, decoders ...*gst.Element) (*Elements, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsrc: %w", err)
	}
	src.SetCaps(gst.NewCapsFromString(h264Caps))
	src.SetProperty("is-live", true)
	src.SetProperty("format", gst.FormatTime)
	src.SetProperty("do-timestamp", true)
	src.SetProperty("block", false)
	src.SetProperty("max-bytes", cfg.MaxQueuedBytes)

	parser, err := gst.NewElement("h264parse")
	if err != nil {
		return nil, fmt.Errorf("failed to create h264parse: %w", err)
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0)
	converter.SetProperty("dither", 0)

	rawCaps, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	rawCaps.SetProperty("caps", rawFormatCaps(cfg.Format))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("qos", false)

	chain := []*gst.Element{src.Element, parser}
	chain = append(chain, decoders...)
	chain = append(chain, converter, rawCaps, sink.Element)

	if err := pipeline.AddMany(chain...); err != nil {
		return nil, fmt.Errorf("failed to add pipeline elements: %w", err)
	}
	if err := gst.ElementLinkMany(chain...); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	return &Elements{
		Pipeline: pipeline,
		Src:      src,
		Sink:     sink,
		RawCaps:  rawCaps,
		Decoder:  decoders[0],
	}, nil
}

func rawFormatCaps(format string) *gst.Caps {
	return gst.NewCapsFromString("video/x-raw,format=" + format)
}

// SetFormat relocks the raw output format. GStreamer renegotiates live; the
// next sample carries the new caps.
func SetFormat(el *Elements, format string) error {
	if el == nil || el.RawCaps == nil {
		return fmt.Errorf("capsfilter is nil")
	}
	el.RawCaps.SetProperty("caps", rawFormatCaps(format))
	return nil
}

// SetLowLatency toggles reorder-free output on the decoder element.
func SetLowLatency(el *Elements, enabled bool) error {
	if el == nil || el.Decoder == nil {
		return fmt.Errorf("decoder element is nil")
	}
	switch el.DecoderName {
	case "vaapih264dec":
		return el.Decoder.SetProperty("low-latency", enabled)
	case "avdec_h264":
		// Frame threading buffers one picture per thread; slice threading
		// does not.
		threadType := 3 // frame|slice
		if enabled {
			threadType = 2 // slice
		}
		return el.Decoder.SetProperty("thread-type", threadType)
	default:
		return fmt.Errorf("%s has no low-latency control", el.DecoderName)
	}
}

// Start moves the pipeline to PLAYING.
func Start(el *Elements) error {
	if err := el.Pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	return nil
}

// Restart cycles READY → PLAYING, clearing EOS so appsrc accepts input again.
func Restart(el *Elements) error {
	if err := el.Pipeline.SetState(gst.StateReady); err != nil {
		return fmt.Errorf("failed to reset pipeline: %w", err)
	}
	return Start(el)
}

// Destroy sets the pipeline to NULL and releases its resources.
// Safe to call on a nil or already destroyed pipeline.
func Destroy(el *Elements) error {
	if el == nil || el.Pipeline == nil {
		return nil
	}
	if err := el.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}
