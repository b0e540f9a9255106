// Package gateway serves the session registry over HTTP.
//
// JSON endpoints cover the session commands and introspection. Frames leave
// as raw RGBA: the polling endpoints return application/octet-stream bodies
// and /sessions/{id}/view streams binary websocket messages.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/framestore"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/logbuf"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/metrics"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/registry"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/session"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/transport"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/viewer"
)

// Sessions is the registry surface served by the gateway.
type Sessions interface {
	Connect(ctx context.Context, req registry.ConnectRequest) (session.Session, error)
	Disconnect(id string) error
	Attach(ctx context.Context, id string, sink viewer.Sink) (session.Session, error)
	Detach(id string) error
	DetachSink(id string, sink viewer.Sink) error
	Reconnect(id string) error
	SignOut(id string) error
	ForceReboot(id string) error
	SendInput(id string, actions []session.Action) error
	Session(id string) (session.Session, error)
	List() []session.Session
	Stats(id string) (session.StatsSnapshot, error)
	Logs(since time.Time) []logbuf.Entry
	FrameData(id string, x, y, w, h int) (framestore.Region, error)
	Thumbnail(id string, w, h int) ([]byte, error)
	SaveScreenshot(id, path string) (string, error)
}

// Config configures the gateway.
type Config struct {
	// JWTSecret enables token auth when set.
	JWTSecret string
	// TokenParam is the query parameter holding websocket tokens.
	TokenParam string
	// WriteTimeout bounds one websocket frame write (default: 5s).
	WriteTimeout time.Duration
	// PingInterval keeps viewer websockets alive (default: 30s).
	PingInterval time.Duration
}

// Server routes HTTP requests to Sessions.
type Server struct {
	sessions  Sessions
	cfg       Config
	validator *Validator
	log       *slog.Logger
	mux       *http.ServeMux
}

// New builds the routes.
func New(sessions Sessions, cfg Config) *Server {
	if cfg.TokenParam == "" {
		cfg.TokenParam = "token"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}

	s := &Server{
		sessions: sessions,
		cfg:      cfg,
		log:      slog.Default().With("component", "gateway"),
		mux:      http.NewServeMux(),
	}
	if cfg.JWTSecret != "" {
		s.validator = NewValidator(cfg.JWTSecret)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.mux.Handle("GET /metrics", metrics.Handler())

	api := http.NewServeMux()
	api.HandleFunc("GET /sessions", s.handleList)
	api.HandleFunc("POST /sessions", s.handleConnect)
	api.HandleFunc("GET /sessions/{id}", s.handleSession)
	api.HandleFunc("DELETE /sessions/{id}", s.handleDisconnect)
	api.HandleFunc("POST /sessions/{id}/reconnect", s.command((Sessions).Reconnect))
	api.HandleFunc("POST /sessions/{id}/sign-out", s.command((Sessions).SignOut))
	api.HandleFunc("POST /sessions/{id}/force-reboot", s.command((Sessions).ForceReboot))
	api.HandleFunc("POST /sessions/{id}/detach", s.command((Sessions).Detach))
	api.HandleFunc("POST /sessions/{id}/input", s.handleInput)
	api.HandleFunc("GET /sessions/{id}/stats", s.handleStats)
	api.HandleFunc("GET /sessions/{id}/frame", s.handleFrame)
	api.HandleFunc("GET /sessions/{id}/thumbnail", s.handleThumbnail)
	api.HandleFunc("POST /sessions/{id}/screenshot", s.handleScreenshot)
	api.HandleFunc("GET /sessions/{id}/view", s.handleView)
	api.HandleFunc("GET /logs", s.handleLogs)

	s.mux.Handle("/", s.authenticate(api))
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// ListenAndServe serves on addr until ctx is done, then shuts down within
// the given grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("gateway: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway: shutdown: %w", err)
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("gateway: request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req registry.ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "malformed connect request: "+err.Error())
		return
	}
	sess, err := s.sessions.Connect(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Session(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Disconnect(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// command adapts a fire-and-forget registry call.
func (s *Server) command(fn func(Sessions, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(s.sessions, r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	}
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var actions []session.Action
	if err := json.NewDecoder(r.Body).Decode(&actions); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "malformed input actions: "+err.Error())
		return
	}
	if err := s.sessions.SendInput(r.PathValue("id"), actions); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": len(actions)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sessions.Stats(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	x, errX := intParam(q.Get("x"), 0)
	y, errY := intParam(q.Get("y"), 0)
	width, errW := intParam(q.Get("w"), 0)
	height, errH := intParam(q.Get("h"), 0)
	if err := errors.Join(errX, errY, errW, errH); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	region, err := s.sessions.FrameData(r.PathValue("id"), x, y, width, height)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("X-Frame-X", strconv.Itoa(region.X))
	w.Header().Set("X-Frame-Y", strconv.Itoa(region.Y))
	writeRGBA(w, region.Width, region.Height, region.Data)
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	width, errW := intParam(q.Get("w"), 320)
	height, errH := intParam(q.Get("h"), 180)
	if err := errors.Join(errW, errH); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	pix, err := s.sessions.Thumbnail(r.PathValue("id"), width, height)
	if err != nil {
		writeError(w, err)
		return
	}

	format := q.Get("format")
	if format == "" || format == "rgba" {
		writeRGBA(w, width, height, pix)
		return
	}
	img := &image.RGBA{Pix: pix, Stride: width * 4, Rect: image.Rect(0, 0, width, height)}
	switch format {
	case "png":
		w.Header().Set("Content-Type", "image/png")
	case "jpg", "jpeg":
		w.Header().Set("Content-Type", "image/jpeg")
	default:
		writeErrorMessage(w, http.StatusBadRequest, "unsupported thumbnail format "+strconv.Quote(format))
		return
	}
	if err := framestore.Encode(w, img, format); err != nil {
		s.log.Warn("gateway: thumbnail encode failed", "error", err)
	}
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "malformed screenshot request: "+err.Error())
			return
		}
	}
	path, err := s.sessions.SaveScreenshot(r.PathValue("id"), body.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

// handleLogs accepts since as RFC 3339 or unix milliseconds.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			since = time.UnixMilli(ms)
		} else if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			since = t
		} else {
			writeErrorMessage(w, http.StatusBadRequest, "since must be RFC 3339 or unix milliseconds")
			return
		}
	}

	entries := s.sessions.Logs(since)
	if id := r.URL.Query().Get("session_id"); id != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.SessionID == id {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return v, nil
}

func writeRGBA(w http.ResponseWriter, width, height int, pix []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Frame-Width", strconv.Itoa(width))
	w.Header().Set("X-Frame-Height", strconv.Itoa(height))
	w.Header().Set("Content-Length", strconv.Itoa(len(pix)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pix)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, framestore.ErrNoFrame):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidRequest), errors.Is(err, framestore.ErrInvalidSize):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrShutdown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, transport.ErrAuth), errors.Is(err, transport.ErrHandshake):
		status = http.StatusBadGateway
	}
	writeErrorMessage(w, status, err.Error())
}
