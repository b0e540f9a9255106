// Package replay is a development transport that plays an H.264 Annex B file
// as if it arrived from a remote desktop.
//
// The file is split into access units once; every Dial starts a fresh
// playback at a fixed frame rate. The certificate fingerprint is the SHA-256
// of the file, so reconnects to the same recording present the same identity.
package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/transport"
)

// Config configures playback.
type Config struct {
	Path string
	// FPS is the playback rate (default 30).
	FPS float64
	// Loop restarts playback at end of file instead of closing.
	Loop bool
	// Width and Height are the announced desktop size. Zero means the
	// requested size, then 1920x1080.
	Width  int
	Height int
}

// Dialer plays Config.Path on every Dial.
type Dialer struct {
	cfg Config

	once        sync.Once
	units       []AccessUnit
	fingerprint string
	loadErr     error

	dials atomic.Uint64
}

// NewDialer creates a replay dialer. The file is read on first Dial.
func NewDialer(cfg Config) *Dialer {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &Dialer{cfg: cfg}
}

func (d *Dialer) load() {
	data, err := os.ReadFile(d.cfg.Path)
	if err != nil {
		d.loadErr = fmt.Errorf("replay: read %s: %w", d.cfg.Path, err)
		return
	}

	sum := sha256.Sum256(data)
	d.fingerprint = "sha256:" + hex.EncodeToString(sum[:])
	d.units = SplitAccessUnits(data)

	keyframes := 0
	for _, u := range d.units {
		if u.IsKeyframe {
			keyframes++
		}
	}
	slog.Info("replay: recording loaded",
		"path", d.cfg.Path,
		"size_bytes", len(data),
		"access_units", len(d.units),
		"keyframes", keyframes,
	)
}

// Dial starts a playback.
func (d *Dialer) Dial(ctx context.Context, p transport.Params) (transport.Conn, transport.Handshake, error) {
	d.once.Do(d.load)

	if err := ctx.Err(); err != nil {
		return nil, transport.Handshake{}, err
	}
	if d.loadErr != nil {
		return nil, transport.Handshake{}, fmt.Errorf("%w: %v", transport.ErrHandshake, d.loadErr)
	}
	if len(d.units) == 0 {
		return nil, transport.Handshake{}, fmt.Errorf("%w: %s has no access units", transport.ErrHandshake, d.cfg.Path)
	}

	w, h := d.cfg.Width, d.cfg.Height
	if w <= 0 || h <= 0 {
		w, h = p.Width, p.Height
	}
	if w <= 0 || h <= 0 {
		w, h = 1920, 1080
	}

	d.dials.Add(1)
	c := &Conn{
		units:       d.units,
		loop:        d.cfg.Loop,
		interval:    time.Duration(float64(time.Second) / d.cfg.FPS),
		readTimeout: p.ReadTimeout,
		next:        time.Now(),
		done:        make(chan struct{}),
	}
	return c, transport.Handshake{Width: w, Height: h, CertFingerprint: d.fingerprint}, nil
}

// Dials returns how many connections were established.
func (d *Dialer) Dials() uint64 {
	return d.dials.Load()
}

// Conn is one playback.
type Conn struct {
	units       []AccessUnit
	idx         int
	loop        bool
	interval    time.Duration
	readTimeout time.Duration
	next        time.Time

	mu      sync.Mutex
	pending []transport.Event

	inputs    atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// ReadEvent returns injected events first, then the next access unit when
// it is due. A wait longer than the read timeout returns ErrNoData.
func (c *Conn) ReadEvent() (transport.Event, error) {
	if c.closed.Load() {
		return transport.Event{}, transport.ErrClosed
	}

	c.mu.Lock()
	if len(c.pending) > 0 {
		ev := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()
		return ev, nil
	}
	c.mu.Unlock()

	if c.idx >= len(c.units) {
		if !c.loop {
			return transport.Event{}, fmt.Errorf("replay: end of recording: %w", transport.ErrClosed)
		}
		c.idx = 0
	}

	wait := time.Until(c.next)
	if c.readTimeout > 0 && wait > c.readTimeout {
		if !c.sleep(c.readTimeout) {
			return transport.Event{}, transport.ErrClosed
		}
		return transport.Event{}, transport.ErrNoData
	}
	if !c.sleep(wait) {
		return transport.Event{}, transport.ErrClosed
	}

	unit := c.units[c.idx]
	c.idx++

	c.next = c.next.Add(c.interval)
	if behind := time.Since(c.next); behind > 10*c.interval {
		// Consumer stalled; resume from now instead of bursting.
		c.next = time.Now()
	}
	return transport.Event{Kind: transport.EventVideo, Unit: unit.Data}, nil
}

// sleep waits d or until Close; false means closed.
func (c *Conn) sleep(d time.Duration) bool {
	if d <= 0 {
		return !c.closed.Load()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.done:
		return false
	}
}

// InjectResize queues a resize notification ahead of the next access unit.
func (c *Conn) InjectResize(width, height int) {
	c.mu.Lock()
	c.pending = append(c.pending, transport.Event{Kind: transport.EventResize, Width: width, Height: height})
	c.mu.Unlock()
}

// SendInput counts input events; a recording cannot react to them.
func (c *Conn) SendInput(events []transport.InputEvent) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	c.inputs.Add(uint64(len(events)))
	slog.Debug("replay: input discarded", "events", len(events))
	return nil
}

// Inputs returns how many input events were sent.
func (c *Conn) Inputs() uint64 {
	return c.inputs.Load()
}

// Close stops playback and wakes a blocked read.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}
