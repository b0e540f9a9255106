// Package logbuf keeps the most recent log records in memory so they can be
// served to API callers.
//
// Handler tees every slog record into a bounded Buffer and forwards it to the
// process handler. Buffer.Since backs get_logs(since).
package logbuf

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultCapacity is the number of entries kept.
const DefaultCapacity = 1000

// Entry is one buffered log record.
type Entry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	SessionID string         `json:"session_id,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Buffer is a thread-safe ring of entries; the oldest entry is overwritten
// when full.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	pos     int  // next write position
	full    bool // wrapped at least once
}

// New creates a buffer. capacity <= 0 means DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{entries: make([]Entry, capacity)}
}

// Add appends e.
func (b *Buffer) Add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.pos] = e
	b.pos++
	if b.pos == len(b.entries) {
		b.pos = 0
		b.full = true
	}
}

// Since returns entries newer than t, oldest first. A zero t returns all.
func (b *Buffer) Since(t time.Time) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ordered []Entry
	if b.full {
		ordered = append(ordered, b.entries[b.pos:]...)
	}
	ordered = append(ordered, b.entries[:b.pos]...)

	if t.IsZero() {
		return ordered
	}
	out := ordered[:0]
	for _, e := range ordered {
		if e.Time.After(t) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.entries)
	}
	return b.pos
}

// Handler is a slog.Handler that records into a Buffer and forwards to next.
type Handler struct {
	next   slog.Handler
	buf    *Buffer
	level  slog.Leveler
	attrs  []slog.Attr
	groups string // "a.b." prefix
}

// NewHandler wraps next (may be nil). Records below level are neither
// buffered nor forwarded.
func NewHandler(next slog.Handler, buf *Buffer, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{next: next, buf: buf, level: level}
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

// Handle implements slog.Handler.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	e := Entry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	}

	add := func(a slog.Attr, prefix string) {
		a.Value = a.Value.Resolve()
		if a.Equal(slog.Attr{}) {
			return
		}
		key := prefix + a.Key
		if key == "session_id" {
			e.SessionID = a.Value.String()
			return
		}
		if e.Attrs == nil {
			e.Attrs = make(map[string]any)
		}
		e.Attrs[key] = attrValue(a.Value)
	}

	for _, a := range h.attrs {
		add(a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		add(a, h.groups)
		return true
	})
	h.buf.Add(e)

	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func attrValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindGroup:
		m := make(map[string]any)
		for _, a := range v.Group() {
			m[a.Key] = attrValue(a.Value.Resolve())
		}
		return m
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	default:
		return v.Any()
	}
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		a.Key = h.groups + a.Key
		c.attrs = append(c.attrs, a)
	}
	if h.next != nil {
		c.next = h.next.WithAttrs(attrs)
	}
	return &c
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	c := *h
	c.groups = h.groups + name + "."
	if h.next != nil {
		c.next = h.next.WithGroup(name)
	}
	return &c
}
