// Package registry is the table of running sessions.
//
// Connect evicts whatever occupies the caller's slot before a new session
// starts, so a slot never has two live sessions. Every other operation finds
// a session by id (or slot id) and turns the request into a session.Command.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/decoder"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/framestore"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/logbuf"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/session"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/transport"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/viewer"
)

var (
	// ErrNotFound means no session matches the id or slot id.
	ErrNotFound = errors.New("registry: session not found")

	// ErrShutdown is returned by Connect once Shutdown has run.
	ErrShutdown = errors.New("registry: shut down")

	// ErrInvalidRequest means a ConnectRequest failed validation.
	ErrInvalidRequest = errors.New("registry: invalid connect request")
)

// DefaultPort is used when a ConnectRequest leaves Port zero.
const DefaultPort = 3389

// ConnectRequest describes a new session.
type ConnectRequest struct {
	SlotID   string `json:"slot_id,omitempty"`
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

// Config wires the registry to its collaborators.
type Config struct {
	Dialer         transport.Dialer
	Decoders       *decoder.Registry
	Backends       []string
	DecoderOptions decoder.Options
	Store          *framestore.Store

	// Logs backs Logs(since). Nil disables it.
	Logs *logbuf.Buffer
	// Mirror receives session records. Nil disables mirroring.
	Mirror Mirror

	Size           SizePolicy
	Reconnect      session.ReconnectPolicy
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// ScreenshotDir anchors relative screenshot paths.
	ScreenshotDir string
}

// conn is the registry-side handle of a running session. Credentials live in
// the orchestrator's transport params and survive reconnects.
type conn struct {
	orch   *session.Orchestrator
	slotID string
	host   string
	port   int
	user   string
}

func (c *conn) sameTarget(req ConnectRequest) bool {
	if req.SlotID != "" {
		return c.slotID == req.SlotID
	}
	return c.slotID == "" && c.host == req.Host && c.port == req.Port && c.user == req.Username
}

// Registry is safe for concurrent use.
type Registry struct {
	cfg Config

	mu     sync.Mutex
	conns  map[string]*conn // by session id
	closed bool
}

// New creates a registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("registry: dialer is required")
	}
	if cfg.Decoders == nil {
		return nil, errors.New("registry: decoder registry is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("registry: frame store is required")
	}
	cfg.Size = cfg.Size.withDefaults()
	return &Registry{
		cfg:   cfg,
		conns: make(map[string]*conn),
	}, nil
}

// Connect evicts any session bound to the same slot (or, without a slot id,
// the same host, port and username), then starts a new session and waits
// for its handshake.
func (r *Registry) Connect(ctx context.Context, req ConnectRequest) (session.Session, error) {
	if req.Host == "" {
		return session.Session{}, fmt.Errorf("%w: host is required", ErrInvalidRequest)
	}
	if req.Port == 0 {
		req.Port = DefaultPort
	}
	if req.Port < 0 || req.Port > 65535 {
		return session.Session{}, fmt.Errorf("%w: port %d out of range", ErrInvalidRequest, req.Port)
	}
	width, height := r.cfg.Size.Resolve(req.Width, req.Height)

	c := &conn{
		slotID: req.SlotID,
		host:   req.Host,
		port:   req.Port,
		user:   req.Username,
	}
	orch, err := session.New(session.Config{
		SlotID: req.SlotID,
		Params: transport.Params{
			Host:           req.Host,
			Port:           req.Port,
			Username:       req.Username,
			Password:       req.Password,
			Domain:         req.Domain,
			Width:          width,
			Height:         height,
			ConnectTimeout: r.cfg.ConnectTimeout,
			ReadTimeout:    r.cfg.ReadTimeout,
		},
		Dialer:         r.cfg.Dialer,
		Decoders:       r.cfg.Decoders,
		Backends:       r.cfg.Backends,
		DecoderOptions: r.cfg.DecoderOptions,
		Store:          r.cfg.Store,
		Reconnect:      r.cfg.Reconnect,
		OnExit: func(s session.Session, err error) {
			r.onExit(c, s, err)
		},
	})
	if err != nil {
		return session.Session{}, err
	}
	c.orch = orch

	// Evict and insert under one lock so concurrent connects on a slot
	// cannot both survive.
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return session.Session{}, ErrShutdown
	}
	var evicted []*conn
	for id, other := range r.conns {
		if other.sameTarget(req) {
			evicted = append(evicted, other)
			delete(r.conns, id)
		}
	}
	r.conns[orch.ID()] = c
	r.mu.Unlock()

	for _, old := range evicted {
		slog.Info("registry: evicting session",
			"session_id", old.orch.ID(),
			"slot_id", old.slotID,
			"replaced_by", orch.ID(),
		)
		r.shutdown(old)
	}

	sess, err := orch.Start(ctx)
	if err != nil {
		r.remove(c)
		return session.Session{}, err
	}

	slog.Info("registry: session connected",
		"session_id", sess.ID,
		"slot_id", sess.SlotID,
		"host", sess.Host,
		"width", sess.Width,
		"height", sess.Height,
	)
	r.mirrorPut(sess)
	return sess, nil
}

// Disconnect ends a session, looked up by session id and then by slot id.
// The record is removed as soon as Shutdown is sent. Unknown ids succeed.
func (r *Registry) Disconnect(id string) error {
	r.mu.Lock()
	c := r.lookupLocked(id)
	if c != nil {
		delete(r.conns, c.orch.ID())
	}
	r.mu.Unlock()

	if c == nil {
		slog.Debug("registry: disconnect of unknown session", "id", id)
		return nil
	}
	r.shutdown(c)
	return nil
}

// Attach hands sink to the session and returns its snapshot once the
// orchestrator has installed it. The sink is closed if the session is gone.
func (r *Registry) Attach(ctx context.Context, id string, sink viewer.Sink) (session.Session, error) {
	c, err := r.lookup(id)
	if err != nil {
		sink.Close()
		return session.Session{}, err
	}

	reply := make(chan session.Session, 1)
	if err := c.orch.Send(session.AttachViewer(sink, reply)); err != nil {
		sink.Close()
		return session.Session{}, ErrNotFound
	}

	select {
	case s := <-reply:
		r.mirrorPut(s)
		return s, nil
	case <-c.orch.Done():
		return session.Session{}, ErrNotFound
	case <-ctx.Done():
		return session.Session{}, ctx.Err()
	}
}

// Detach stops frame push-out. The session keeps decoding into the store.
func (r *Registry) Detach(id string) error {
	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	c.orch.SetViewerAttached(false)
	return r.send(c, session.DetachViewer())
}

// DetachSink detaches sink if it is still the session's viewer. A viewer
// that was already replaced is left alone.
func (r *Registry) DetachSink(id string, sink viewer.Sink) error {
	if sink == nil {
		return r.Detach(id)
	}
	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	c.orch.ReleaseViewer(sink)
	return r.send(c, session.DetachSink(sink))
}

// Reconnect asks the session to re-dial, keeping its id and slot.
func (r *Registry) Reconnect(id string) error {
	return r.sendTo(id, session.Reconnect())
}

// SignOut logs the remote user off.
func (r *Registry) SignOut(id string) error {
	return r.sendTo(id, session.SignOut())
}

// ForceReboot reboots the remote host.
func (r *Registry) ForceReboot(id string) error {
	return r.sendTo(id, session.ForceReboot())
}

// SendInput queues an ordered batch of input actions.
func (r *Registry) SendInput(id string, actions []session.Action) error {
	if len(actions) == 0 {
		return nil
	}
	return r.sendTo(id, session.Input(actions))
}

// Session returns the snapshot of one session.
func (r *Registry) Session(id string) (session.Session, error) {
	c, err := r.lookup(id)
	if err != nil {
		return session.Session{}, err
	}
	return c.orch.Session(), nil
}

// List returns every session, oldest first.
func (r *Registry) List() []session.Session {
	r.mu.Lock()
	out := make([]session.Session, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.orch.Session())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stats returns the statistics of one session.
func (r *Registry) Stats(id string) (session.StatsSnapshot, error) {
	c, err := r.lookup(id)
	if err != nil {
		return session.StatsSnapshot{}, err
	}
	return c.orch.Stats(), nil
}

// Logs returns buffered log entries newer than since (all for a zero since).
func (r *Registry) Logs(since time.Time) []logbuf.Entry {
	if r.cfg.Logs == nil {
		return nil
	}
	return r.cfg.Logs.Since(since)
}

// FrameData copies a region of the session's latest frame.
func (r *Registry) FrameData(id string, x, y, w, h int) (framestore.Region, error) {
	sid, err := r.resolve(id)
	if err != nil {
		return framestore.Region{}, err
	}
	region, ok := r.cfg.Store.ExtractRegion(sid, x, y, w, h)
	if !ok {
		return framestore.Region{}, framestore.ErrNoFrame
	}
	return region, nil
}

// Thumbnail scales the session's latest frame to w×h RGBA.
func (r *Registry) Thumbnail(id string, w, h int) ([]byte, error) {
	sid, err := r.resolve(id)
	if err != nil {
		return nil, err
	}
	return r.cfg.Store.Thumbnail(sid, w, h)
}

// SaveScreenshot writes the latest frame to path, relative paths resolving
// under Config.ScreenshotDir, and returns the path written.
func (r *Registry) SaveScreenshot(id, path string) (string, error) {
	sid, err := r.resolve(id)
	if err != nil {
		return "", err
	}
	if path == "" {
		path = fmt.Sprintf("%s-%s.png", sid, time.Now().UTC().Format("20060102T150405"))
	}
	if !filepath.IsAbs(path) && r.cfg.ScreenshotDir != "" {
		path = filepath.Join(r.cfg.ScreenshotDir, path)
	}
	if err := r.cfg.Store.SaveScreenshot(sid, path); err != nil {
		return "", err
	}
	return path, nil
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Shutdown stops accepting connects, sends Shutdown to every session and
// waits for them to exit or ctx to expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	all := make([]*conn, 0, len(r.conns))
	for id, c := range r.conns {
		all = append(all, c)
		delete(r.conns, id)
	}
	r.mu.Unlock()

	for _, c := range all {
		r.shutdown(c)
	}
	for _, c := range all {
		select {
		case <-c.orch.Done():
		case <-ctx.Done():
			return fmt.Errorf("registry: shutdown: %w", ctx.Err())
		}
	}
	slog.Info("registry: all sessions stopped", "count", len(all))
	return nil
}

func (r *Registry) lookupLocked(id string) *conn {
	if c, ok := r.conns[id]; ok {
		return c
	}
	if id == "" {
		return nil
	}
	for _, c := range r.conns {
		if c.slotID == id {
			return c
		}
	}
	return nil
}

func (r *Registry) lookup(id string) (*conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.lookupLocked(id); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// resolve maps a session or slot id to the session id keying the store.
func (r *Registry) resolve(id string) (string, error) {
	c, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	return c.orch.ID(), nil
}

func (r *Registry) sendTo(id string, cmd session.Command) error {
	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	return r.send(c, cmd)
}

// send treats a closed mailbox as success: the session is already exiting.
func (r *Registry) send(c *conn, cmd session.Command) error {
	err := c.orch.Send(cmd)
	if errors.Is(err, session.ErrMailboxClosed) {
		slog.Debug("registry: command to exiting session dropped",
			"session_id", c.orch.ID(),
			"command", cmd.Kind.String(),
		)
		return nil
	}
	return err
}

func (r *Registry) shutdown(c *conn) {
	_ = r.send(c, session.Shutdown())
	r.mirrorDelete(c.orch.ID())
}

// remove drops c if it is still the registered handle for its id.
func (r *Registry) remove(c *conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[c.orch.ID()]; ok && cur == c {
		delete(r.conns, c.orch.ID())
		return true
	}
	return false
}

func (r *Registry) onExit(c *conn, s session.Session, err error) {
	if r.remove(c) {
		r.mirrorDelete(s.ID)
	}
	if err != nil {
		slog.Warn("registry: session removed after failure",
			"session_id", s.ID,
			"error", err,
		)
	}
}
