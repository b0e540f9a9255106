// Package transport defines the boundary between a session and the remote
// desktop wire protocol.
//
// The protocol itself (handshake, graphics channel negotiation, bitstream
// framing) lives behind Dialer and Conn. A session only sees compressed video
// access units, resize notifications and an input sink.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

var (
	// ErrNoData means a read returned without an event (idle poll timeout).
	// It is not a failure; the caller drains commands and reads again.
	ErrNoData = errors.New("transport: no data")

	// ErrClosed means the connection was closed locally or by the peer.
	ErrClosed = errors.New("transport: connection closed")

	// ErrHandshake means protocol negotiation failed.
	ErrHandshake = errors.New("transport: handshake failed")

	// ErrAuth means the peer rejected the credentials.
	ErrAuth = errors.New("transport: authentication failed")
)

// Params describe one connection attempt.
type Params struct {
	Host     string
	Port     int
	Username string
	Password string
	Domain   string

	// Width and Height are the requested desktop size.
	Width  int
	Height int

	// ConnectTimeout bounds Dial including the handshake.
	ConnectTimeout time.Duration
	// ReadTimeout is the idle poll interval of ReadEvent.
	ReadTimeout time.Duration
}

// Address returns host:port.
func (p Params) Address() string {
	return net.JoinHostPort(p.Host, fmt.Sprint(p.Port))
}

// Handshake is what a successful Dial negotiated.
type Handshake struct {
	Width           int
	Height          int
	CertFingerprint string
}

// EventKind tags Event.
type EventKind int

const (
	// EventVideo carries one compressed access unit.
	EventVideo EventKind = iota
	// EventResize announces a new desktop size.
	EventResize
)

func (k EventKind) String() string {
	switch k {
	case EventVideo:
		return "video"
	case EventResize:
		return "resize"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one item read from the wire.
type Event struct {
	Kind   EventKind
	Unit   []byte // EventVideo
	Width  int    // EventResize
	Height int    // EventResize
}

// InputKind tags InputEvent.
type InputKind int

const (
	InputScancode InputKind = iota
	InputUnicode
	InputMouseMove
	InputMouseButton
	InputWheel
)

// InputEvent is one wire-level input event.
type InputEvent struct {
	Kind InputKind

	// Scancode and Unicode
	Code     uint16
	Extended bool
	Down     bool

	// Mouse
	X, Y   int
	Button int
	Delta  int
}

// Conn is an established session connection. It is used from a single
// goroutine.
type Conn interface {
	// ReadEvent blocks until an event arrives, the idle timeout elapses
	// (ErrNoData) or the connection fails.
	ReadEvent() (Event, error)
	// SendInput writes an ordered batch of input events.
	SendInput(events []InputEvent) error
	Close() error
}

// Dialer establishes connections.
type Dialer interface {
	Dial(ctx context.Context, p Params) (Conn, Handshake, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, p Params) (Conn, Handshake, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, p Params) (Conn, Handshake, error) {
	return f(ctx, p)
}

// DialTimeout applies p.ConnectTimeout to d.Dial.
func DialTimeout(ctx context.Context, d Dialer, p Params) (Conn, Handshake, error) {
	if p.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.ConnectTimeout)
		defer cancel()
	}
	return d.Dial(ctx, p)
}

// ErrorCategory classifies session errors for telemetry.
type ErrorCategory int

const (
	// ErrCategoryNetwork indicates connection, timeout or DNS failures.
	ErrCategoryNetwork ErrorCategory = iota
	// ErrCategoryProtocol indicates handshake or stream format failures.
	ErrCategoryProtocol
	// ErrCategoryAuth indicates rejected credentials.
	ErrCategoryAuth
	// ErrCategoryUnknown indicates unclassified errors.
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryProtocol:
		return "protocol"
	case ErrCategoryAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Classify categorizes a transport error. Sentinels win; otherwise message
// heuristics decide.
func Classify(err error) ErrorCategory {
	if err == nil {
		return ErrCategoryUnknown
	}

	switch {
	case errors.Is(err, ErrAuth):
		return ErrCategoryAuth
	case errors.Is(err, ErrHandshake):
		return ErrCategoryProtocol
	case errors.Is(err, ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded):
		return ErrCategoryNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrCategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range []string{"unauthorized", "credentials", "password", "logon failure"} {
		if strings.Contains(msg, kw) {
			return ErrCategoryAuth
		}
	}
	for _, kw := range []string{"connection", "timeout", "unreachable", "refused", "reset", "dns"} {
		if strings.Contains(msg, kw) {
			return ErrCategoryNetwork
		}
	}
	return ErrCategoryUnknown
}
