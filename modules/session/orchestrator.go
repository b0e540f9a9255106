package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/decoder"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/framestore"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/metrics"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/transport"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/viewer"
)

// ReconnectPolicy bounds the re-dial of an explicit Reconnect.
type ReconnectPolicy struct {
	MaxRetries      uint64        // retries after the first attempt (default: 5)
	InitialInterval time.Duration // first backoff delay (default: 500ms)
	MaxInterval     time.Duration // backoff cap (default: 10s)
}

// DefaultReconnectPolicy returns the default reconnect policy.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxRetries:      5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// Config describes one session.
type Config struct {
	// ID is generated when empty.
	ID     string
	SlotID string

	Params transport.Params
	Dialer transport.Dialer

	Decoders       *decoder.Registry
	Backends       []string // fallback order, empty = registration order
	DecoderOptions decoder.Options

	Store *framestore.Store

	Reconnect ReconnectPolicy

	// OnExit runs on the session goroutine once teardown completes, before
	// Done is closed. err is nil for a requested shutdown.
	OnExit func(s Session, err error)
}

// Orchestrator owns one session end to end: transport, decoder, command
// intake and frame push-out.
//
// All of that runs on one goroutine locked to its OS thread for the whole
// session, because hardware decoders are bound to the thread that created
// them. Other goroutines talk to it only through the Mailbox and read the
// snapshot and Stats.
type Orchestrator struct {
	cfg     Config
	log     *slog.Logger
	mailbox *Mailbox
	stats   *Stats

	mu   sync.RWMutex
	sess Session
	// installed mirrors sink for callers outside the session goroutine.
	installed viewer.Sink

	startOnce sync.Once
	done      chan struct{}
	err       error

	// Owned by the session goroutine.
	conn transport.Conn
	dec  decoder.Decoder
	sink viewer.Sink
}

// New validates cfg and prepares a session in StateConnecting.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("session: dialer is required")
	}
	if cfg.Decoders == nil {
		return nil, errors.New("session: decoder registry is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("session: frame store is required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	def := DefaultReconnectPolicy()
	if cfg.Reconnect == (ReconnectPolicy{}) {
		cfg.Reconnect = def
	}
	if cfg.Reconnect.InitialInterval <= 0 {
		cfg.Reconnect.InitialInterval = def.InitialInterval
	}
	if cfg.Reconnect.MaxInterval < cfg.Reconnect.InitialInterval {
		cfg.Reconnect.MaxInterval = max(def.MaxInterval, cfg.Reconnect.InitialInterval)
	}

	o := &Orchestrator{
		cfg:     cfg,
		log:     slog.Default().With("session_id", cfg.ID),
		mailbox: NewMailbox(),
		stats:   newStats(),
		done:    make(chan struct{}),
	}
	o.sess = Session{
		ID:        cfg.ID,
		SlotID:    cfg.SlotID,
		Host:      cfg.Params.Host,
		Port:      cfg.Params.Port,
		Username:  cfg.Params.Username,
		Width:     cfg.Params.Width,
		Height:    cfg.Params.Height,
		State:     StateConnecting,
		StateName: StateConnecting.String(),
		CreatedAt: time.Now(),
	}
	return o, nil
}

// ID returns the session id.
func (o *Orchestrator) ID() string {
	return o.cfg.ID
}

// Start launches the session goroutine and waits until the handshake and
// decoder setup finished or ctx is done. Dial honours ctx and
// Params.ConnectTimeout.
func (o *Orchestrator) Start(ctx context.Context) (Session, error) {
	ready := make(chan error, 1)
	started := false
	o.startOnce.Do(func() {
		started = true
		go o.run(ctx, ready)
	})
	if !started {
		return Session{}, errors.New("session: already started")
	}

	select {
	case err := <-ready:
		if err != nil {
			return Session{}, err
		}
		return o.Session(), nil
	case <-ctx.Done():
		// Setup may still succeed; the session then exits at its first
		// command drain.
		_ = o.mailbox.Send(Shutdown())
		return Session{}, ctx.Err()
	}
}

// Send queues cmd. It returns ErrMailboxClosed once the session exited.
func (o *Orchestrator) Send(cmd Command) error {
	return o.mailbox.Send(cmd)
}

// Session returns the current snapshot.
func (o *Orchestrator) Session() Session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sess
}

// SetViewerAttached updates the viewer flag ahead of the command taking
// effect, so callers observe a detach immediately.
func (o *Orchestrator) SetViewerAttached(attached bool) {
	o.update(func(s *Session) { s.ViewerAttached = attached })
}

// ReleaseViewer clears the viewer flag ahead of a DetachSink, but only
// while sink is the installed viewer.
func (o *Orchestrator) ReleaseViewer(sink viewer.Sink) {
	o.update(func(s *Session) {
		if sameSink(o.installed, sink) {
			s.ViewerAttached = false
		}
	})
}

// sameSink compares sinks by identity. Sinks of non-comparable types, such
// as viewer.Func, never match.
func sameSink(a, b viewer.Sink) bool {
	if a == nil || b == nil {
		return false
	}
	if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return false
	}
	return a == b
}

// setSink installs sink (nil for headless) on the session goroutine.
func (o *Orchestrator) setSink(sink viewer.Sink) {
	o.sink = sink
	o.update(func(s *Session) {
		o.installed = sink
		s.ViewerAttached = sink != nil
	})
}

// Stats returns a statistics snapshot.
func (o *Orchestrator) Stats() StatsSnapshot {
	snap := o.stats.Snapshot()
	snap.PendingCmds = o.mailbox.Len()
	return snap
}

// Done is closed after the session goroutine exited.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Err returns why the session ended; nil for a requested shutdown. Valid
// after Done is closed.
func (o *Orchestrator) Err() error {
	<-o.done
	return o.err
}

func (o *Orchestrator) update(fn func(s *Session)) {
	o.mu.Lock()
	fn(&o.sess)
	o.sess.StateName = o.sess.State.String()
	o.mu.Unlock()
}

func (o *Orchestrator) run(ctx context.Context, ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := o.setup(ctx); err != nil {
		ready <- err
		o.finish(err)
		return
	}
	ready <- nil

	o.finish(o.loop())
}

func (o *Orchestrator) setup(ctx context.Context) error {
	conn, hs, err := transport.DialTimeout(ctx, o.cfg.Dialer, o.cfg.Params)
	if err != nil {
		return fmt.Errorf("session: connect %s: %w", o.cfg.Params.Address(), err)
	}

	opts := o.cfg.DecoderOptions
	opts.Width, opts.Height = hs.Width, hs.Height
	dec, err := o.cfg.Decoders.Open(o.cfg.Backends, opts)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("session: open decoder: %w", err)
	}

	o.conn, o.dec = conn, dec
	o.stats.setDecoder(dec)
	metrics.SessionsTotal.Inc()
	metrics.ActiveSessions.Inc()
	o.update(func(s *Session) {
		s.Connected = true
		s.State = StateConnected
		s.Width, s.Height = hs.Width, hs.Height
		s.CertFingerprint = hs.CertFingerprint
		s.Backend = dec.Name()
	})

	o.log.Info("session: connected",
		"host", o.cfg.Params.Host,
		"port", o.cfg.Params.Port,
		"width", hs.Width,
		"height", hs.Height,
		"backend", dec.Name(),
	)
	return nil
}

// loop is the session body: read → decode → store → push → drain commands.
// A blocked read is only interrupted by the transport's own read timeout.
func (o *Orchestrator) loop() error {
	for {
		ev, err := o.conn.ReadEvent()
		switch {
		case err == nil:
			o.handle(ev)
		case errors.Is(err, transport.ErrNoData):
		default:
			return fmt.Errorf("session: read: %w", err)
		}

		if stop, err := o.drainCommands(); stop {
			return err
		}
	}
}

func (o *Orchestrator) handle(ev transport.Event) {
	switch ev.Kind {
	case transport.EventVideo:
		o.stats.unit(len(ev.Unit))

		start := time.Now()
		frames, err := o.dec.Decode(ev.Unit)
		elapsed := time.Since(start)
		o.stats.decodeLatency(elapsed)
		metrics.DecodeSeconds.WithLabelValues(o.dec.Name()).Observe(elapsed.Seconds())
		if err != nil {
			o.stats.decodeErrors.Add(1)
			metrics.DecodeErrors.WithLabelValues(o.dec.Name()).Inc()
			o.log.Warn("session: decode failed", "error", err, "unit_bytes", len(ev.Unit))
		}
		o.publish(frames)

	case transport.EventResize:
		o.resize(ev.Width, ev.Height)
	}
}

// publish writes frames to the store and the attached sink, then drops the
// decoder's reference.
func (o *Orchestrator) publish(frames []*decoder.Frame) {
	for _, f := range frames {
		o.cfg.Store.Write(o.cfg.ID, f)
		o.stats.frame(f.DecodedAt)
		metrics.FramesDecoded.WithLabelValues(o.dec.Name()).Inc()

		if o.sink != nil {
			if err := o.sink.Push(f); err != nil {
				o.stats.viewerDrops.Add(1)
				metrics.ViewerDrops.Inc()
				if errors.Is(err, viewer.ErrSinkClosed) {
					o.log.Info("session: viewer went away, continuing headless")
					o.setSink(nil)
				}
			} else {
				o.stats.framesPushed.Add(1)
				metrics.ViewerFrames.Inc()
			}
		}
		f.Release()
	}
}

// resize retires buffered pictures at the old size; the decoder renegotiates
// on the next stream change.
func (o *Orchestrator) resize(width, height int) {
	frames, err := o.dec.Flush()
	if err != nil {
		o.stats.decodeErrors.Add(1)
		metrics.DecodeErrors.WithLabelValues(o.dec.Name()).Inc()
		o.log.Warn("session: flush on resize failed", "error", err)
	}
	o.publish(frames)

	o.update(func(s *Session) { s.Width, s.Height = width, height })
	o.log.Info("session: desktop resized", "width", width, "height", height)
}

// drainCommands runs every queued command in send order. stop reports that
// the session must exit, with err nil for a requested shutdown.
func (o *Orchestrator) drainCommands() (stop bool, err error) {
	cmds := o.mailbox.Drain()
	for i, cmd := range cmds {
		o.stats.commands.Add(1)
		metrics.Commands.WithLabelValues(cmd.Kind.String()).Inc()

		switch cmd.Kind {
		case CmdShutdown:
			o.log.Info("session: shutdown requested")
			discard(cmds[i+1:])
			return true, nil

		case CmdInput:
			o.sendInput(cmd.Actions, hasShutdown(cmds[i+1:]))

		case CmdAttachViewer:
			if o.sink != nil {
				o.sink.Close()
			}
			o.setSink(cmd.Sink)
			if cmd.Reply != nil {
				select {
				case cmd.Reply <- o.Session():
				default:
				}
			}
			o.log.Info("session: viewer attached")

		case CmdDetachViewer:
			if cmd.Sink != nil && !sameSink(cmd.Sink, o.sink) {
				// The viewer was already replaced or dropped.
				cmd.Sink.Close()
				o.log.Debug("session: stale viewer detach ignored")
				continue
			}
			if o.sink != nil {
				o.sink.Close()
			}
			o.setSink(nil)
			o.log.Info("session: viewer detached, running headless")

		case CmdSignOut:
			o.log.Info("session: signing out remote user")
			o.sendInput(SignOutSequence(), hasShutdown(cmds[i+1:]))

		case CmdForceReboot:
			o.log.Warn("session: forcing remote reboot")
			o.sendInput(ForceRebootSequence(), hasShutdown(cmds[i+1:]))

		case CmdReconnect:
			if err := o.reconnect(); err != nil {
				discard(cmds[i+1:])
				return true, err
			}
		}
	}
	return false, nil
}

// sendInput sends actions batch by batch. A pending shutdown cuts the
// sequence at its next pause.
func (o *Orchestrator) sendInput(actions []Action, stopping bool) {
	batches, delays := Batches(actions)
	for i, events := range batches {
		if delays[i] > 0 && (stopping || !o.pause(delays[i])) {
			o.log.Info("session: input sequence cut short by shutdown",
				"batches_dropped", len(batches)-i)
			return
		}
		if err := o.conn.SendInput(events); err != nil {
			o.log.Warn("session: send input failed", "error", err, "events", len(events))
			return
		}
		o.stats.inputEvents.Add(uint64(len(events)))
	}
}

// pause waits d unless a Shutdown is queued meanwhile. It reports whether
// the full wait elapsed.
func (o *Orchestrator) pause(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		if o.mailbox.Has(CmdShutdown) {
			return false
		}
		select {
		case <-timer.C:
			return true
		case <-o.mailbox.Notify():
		}
	}
}

func hasShutdown(cmds []Command) bool {
	for _, cmd := range cmds {
		if cmd.Kind == CmdShutdown {
			return true
		}
	}
	return false
}

// reconnect drops the transport and re-runs the handshake, keeping id, slot
// and credentials. The decoder survives; the new stream renegotiates it.
func (o *Orchestrator) reconnect() error {
	o.update(func(s *Session) {
		s.Reconnecting = true
		s.Connected = false
		s.State = StateReconnecting
	})
	o.log.Info("session: reconnecting")

	_ = o.conn.Close()
	frames, _ := o.dec.Flush()
	o.publish(frames)

	params := o.cfg.Params
	cur := o.Session()
	params.Width, params.Height = cur.Width, cur.Height

	var (
		conn transport.Conn
		hs   transport.Handshake
	)
	operation := func() error {
		c, h, err := transport.DialTimeout(context.Background(), o.cfg.Dialer, params)
		if err != nil {
			if transport.Classify(err) == transport.ErrCategoryAuth {
				return backoff.Permanent(err)
			}
			return err
		}
		conn, hs = c, h
		return nil
	}

	policy := o.cfg.Reconnect
	strategy := backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(policy.InitialInterval),
			backoff.WithMaxInterval(policy.MaxInterval),
		),
		policy.MaxRetries,
	)

	err := backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
		o.log.Warn("session: reconnect attempt failed",
			"error", err,
			"category", transport.Classify(err).String(),
			"next_attempt_in", d,
		)
	})
	if err != nil {
		metrics.Reconnects.WithLabelValues("failed").Inc()
		o.update(func(s *Session) { s.Reconnecting = false })
		return fmt.Errorf("session: reconnect: %w", err)
	}

	o.conn = conn
	o.stats.reconnects.Add(1)
	metrics.Reconnects.WithLabelValues("ok").Inc()
	o.update(func(s *Session) {
		s.ReconnectCount++
		s.Reconnecting = false
		s.Connected = true
		s.State = StateConnected
		s.Width, s.Height = hs.Width, hs.Height
		s.CertFingerprint = hs.CertFingerprint
	})
	o.log.Info("session: reconnected", "reconnect_count", o.Session().ReconnectCount)
	return nil
}

// finish tears everything down and reports the exit.
func (o *Orchestrator) finish(err error) {
	if o.sink != nil {
		o.sink.Close()
		o.sink = nil
	}
	discard(o.mailbox.Close())
	if o.conn != nil {
		_ = o.conn.Close()
	}
	if o.dec != nil {
		if cerr := o.dec.Close(); cerr != nil {
			o.log.Warn("session: decoder close failed", "error", cerr)
		}
		metrics.ActiveSessions.Dec()
	}
	o.cfg.Store.Remove(o.cfg.ID)

	o.update(func(s *Session) {
		s.Connected = false
		s.Reconnecting = false
		s.ViewerAttached = false
		s.State = StateDisconnected
		o.installed = nil
	})

	if err != nil {
		metrics.SessionExits.WithLabelValues(transport.Classify(err).String()).Inc()
		o.log.Error("session: terminated",
			"error", err,
			"category", transport.Classify(err).String(),
		)
	} else {
		metrics.SessionExits.WithLabelValues("none").Inc()
		o.log.Info("session: closed")
	}

	o.err = err
	if o.cfg.OnExit != nil {
		o.cfg.OnExit(o.Session(), err)
	}
	close(o.done)
}

// discard closes sinks carried by commands that will never run.
func discard(cmds []Command) {
	for _, cmd := range cmds {
		if cmd.Sink != nil {
			cmd.Sink.Close()
		}
	}
}
