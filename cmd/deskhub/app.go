package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/config"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/decoder"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/decoder/gstdecoder"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/framestore"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/logbuf"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/registry"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/session"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/transport/replay"
)

// setupLogging installs the process logger and returns the buffer behind
// the /logs endpoint.
func setupLogging(cfg *config.Config, w io.Writer) (*logbuf.Buffer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	opts := &slog.HandlerOptions{Level: level}
	var next slog.Handler
	if cfg.Log.Format == "json" {
		next = slog.NewJSONHandler(w, opts)
	} else {
		next = slog.NewTextHandler(w, opts)
	}

	buf := logbuf.New(cfg.Log.BufferEntries)
	slog.SetDefault(slog.New(logbuf.NewHandler(next, buf, level)))
	return buf, nil
}

// newDecoders registers the GStreamer backends: "gstreamer" prefers VA-API
// and falls back inside the pipeline, "software" never touches the GPU.
func newDecoders() *decoder.Registry {
	reg := decoder.NewRegistry()
	reg.Register("gstreamer", gstdecoder.Factory(gstdecoder.ModeAuto))
	reg.Register("hardware", gstdecoder.Factory(gstdecoder.ModeHardware))
	reg.Register("software", gstdecoder.Factory(gstdecoder.ModeSoftware))
	return reg
}

func decoderOptions(cfg *config.Config) (decoder.Options, error) {
	cs, err := decoder.ParseColorSpace(cfg.Decoder.ColorMatrix, cfg.Decoder.ColorRange)
	if err != nil {
		return decoder.Options{}, err
	}
	return decoder.Options{ColorSpace: cs, PoolCapacity: cfg.Decoder.PoolCapacity}, nil
}

func newRegistry(cfg *config.Config, logs *logbuf.Buffer, mirror registry.Mirror) (*registry.Registry, error) {
	opts, err := decoderOptions(cfg)
	if err != nil {
		return nil, err
	}

	dialer := replay.NewDialer(replay.Config{
		Path: cfg.Transport.Replay.Path,
		FPS:  cfg.Transport.Replay.FPS,
		Loop: cfg.Transport.Replay.Loop,
	})

	s := cfg.Session
	return registry.New(registry.Config{
		Dialer:         dialer,
		Decoders:       newDecoders(),
		Backends:       cfg.Decoder.Backends,
		DecoderOptions: opts,
		Store:          framestore.New(),
		Logs:           logs,
		Mirror:         mirror,
		Size: registry.SizePolicy{
			DefaultWidth:  s.DefaultWidth,
			DefaultHeight: s.DefaultHeight,
			MinWidth:      s.MinWidth,
			MinHeight:     s.MinHeight,
			MaxWidth:      s.MaxWidth,
			MaxHeight:     s.MaxHeight,
		},
		Reconnect: session.ReconnectPolicy{
			MaxRetries:      uint64(s.ReconnectMaxRetries),
			InitialInterval: time.Duration(s.ReconnectInitialMS) * time.Millisecond,
			MaxInterval:     time.Duration(s.ReconnectMaxMS) * time.Millisecond,
		},
		ConnectTimeout: cfg.ConnectTimeout(),
		ReadTimeout:    cfg.ReadTimeout(),
		ScreenshotDir:  cfg.HTTP.ScreenshotDir,
	})
}
