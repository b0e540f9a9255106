package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/viewer"
)

// ErrMailboxClosed is returned by Send once the session has exited.
var ErrMailboxClosed = errors.New("session: mailbox closed")

// CommandKind tags Command.
type CommandKind int

const (
	CmdShutdown CommandKind = iota
	CmdInput
	CmdAttachViewer
	CmdDetachViewer
	CmdSignOut
	CmdForceReboot
	CmdReconnect
)

func (k CommandKind) String() string {
	switch k {
	case CmdShutdown:
		return "shutdown"
	case CmdInput:
		return "input"
	case CmdAttachViewer:
		return "attach_viewer"
	case CmdDetachViewer:
		return "detach_viewer"
	case CmdSignOut:
		return "sign_out"
	case CmdForceReboot:
		return "force_reboot"
	case CmdReconnect:
		return "reconnect"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

// Command is one control instruction for a running session. It is consumed
// exactly once by the session goroutine.
type Command struct {
	Kind CommandKind

	// Actions is the ordered input batch of CmdInput.
	Actions []Action

	// Sink replaces the viewer on CmdAttachViewer. On CmdDetachViewer a
	// non-nil Sink limits the detach to that viewer.
	Sink viewer.Sink
	// Reply, if set, receives the session snapshot after CmdAttachViewer.
	// It must be buffered; the session never blocks on it.
	Reply chan<- Session
}

func Shutdown() Command              { return Command{Kind: CmdShutdown} }
func Input(actions []Action) Command { return Command{Kind: CmdInput, Actions: actions} }
func DetachViewer() Command          { return Command{Kind: CmdDetachViewer} }
func SignOut() Command               { return Command{Kind: CmdSignOut} }
func ForceReboot() Command           { return Command{Kind: CmdForceReboot} }
func Reconnect() Command             { return Command{Kind: CmdReconnect} }

// DetachSink detaches sink only if it is still the installed viewer, so a
// departing viewer cannot drop the one that replaced it.
func DetachSink(sink viewer.Sink) Command {
	return Command{Kind: CmdDetachViewer, Sink: sink}
}

// AttachViewer builds an attach command. reply may be nil.
func AttachViewer(sink viewer.Sink, reply chan<- Session) Command {
	return Command{Kind: CmdAttachViewer, Sink: sink, Reply: reply}
}

// Mailbox is the command channel of one session: an unbounded FIFO with a
// single consumer. Send never blocks.
//
// The queue has no upper bound; a caller flooding input grows it without
// limit. Len exposes the depth so the registry can observe it.
type Mailbox struct {
	mu     sync.Mutex
	queue  []Command
	closed bool

	// notify holds at most one pending wake-up.
	notify chan struct{}
}

// NewMailbox creates an open mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{}, 1)}
}

// Send appends cmd. It returns ErrMailboxClosed after Close.
func (m *Mailbox) Send(cmd Command) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMailboxClosed
	}
	m.queue = append(m.queue, cmd)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Drain removes and returns every queued command in send order.
func (m *Mailbox) Drain() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return nil
	}
	cmds := m.queue
	m.queue = nil
	return cmds
}

// Notify is signalled after Send. One signal may cover several commands.
func (m *Mailbox) Notify() <-chan struct{} {
	return m.notify
}

// Has reports whether a command of kind is queued.
func (m *Mailbox) Has(kind CommandKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cmd := range m.queue {
		if cmd.Kind == kind {
			return true
		}
	}
	return false
}

// Len returns the number of undelivered commands.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close rejects further sends and returns the commands never delivered.
func (m *Mailbox) Close() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	rest := m.queue
	m.queue = nil
	return rest
}
