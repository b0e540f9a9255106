// Package transporttest provides a scripted in-memory transport for tests.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/transport"
)

// DefaultIdle is how long ReadEvent waits for a scripted event before
// returning transport.ErrNoData.
const DefaultIdle = 5 * time.Millisecond

// Conn replays events pushed by the test.
type Conn struct {
	mu      sync.Mutex
	events  []transport.Event
	failErr error
	inputs  [][]transport.InputEvent
	closed  bool

	idle   time.Duration
	notify chan struct{}
}

// NewConn returns an open connection with no scripted events.
func NewConn() *Conn {
	return &Conn{idle: DefaultIdle, notify: make(chan struct{}, 1)}
}

func (c *Conn) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Push queues events for ReadEvent.
func (c *Conn) Push(events ...transport.Event) {
	c.mu.Lock()
	c.events = append(c.events, events...)
	c.mu.Unlock()
	c.wake()
}

// Video queues one access unit.
func (c *Conn) Video(unit []byte) {
	c.Push(transport.Event{Kind: transport.EventVideo, Unit: unit})
}

// Resize queues a desktop resize.
func (c *Conn) Resize(width, height int) {
	c.Push(transport.Event{Kind: transport.EventResize, Width: width, Height: height})
}

// Fail makes ReadEvent return err once the queued events are consumed.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	c.failErr = err
	c.mu.Unlock()
	c.wake()
}

// ReadEvent returns the next scripted event, the scripted failure, or
// ErrNoData after the idle interval.
func (c *Conn) ReadEvent() (transport.Event, error) {
	deadline := time.NewTimer(c.idle)
	defer deadline.Stop()

	for {
		c.mu.Lock()
		switch {
		case c.closed:
			c.mu.Unlock()
			return transport.Event{}, transport.ErrClosed
		case len(c.events) > 0:
			ev := c.events[0]
			c.events = c.events[1:]
			c.mu.Unlock()
			return ev, nil
		case c.failErr != nil:
			err := c.failErr
			c.mu.Unlock()
			return transport.Event{}, err
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-deadline.C:
			return transport.Event{}, transport.ErrNoData
		}
	}
}

// SendInput records one batch.
func (c *Conn) SendInput(events []transport.InputEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return transport.ErrClosed
	}
	c.inputs = append(c.inputs, append([]transport.InputEvent(nil), events...))
	return nil
}

// Inputs returns every input event sent, flattened in order.
func (c *Conn) Inputs() []transport.InputEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	var all []transport.InputEvent
	for _, b := range c.inputs {
		all = append(all, b...)
	}
	return all
}

// InputBatches returns the recorded batches.
func (c *Conn) InputBatches() [][]transport.InputEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]transport.InputEvent(nil), c.inputs...)
}

// Close marks the connection closed.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wake()
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dialer hands out a new Conn per Dial.
type Dialer struct {
	mu        sync.Mutex
	handshake transport.Handshake
	failures  []error
	gate      chan struct{}
	conns     []*Conn
	params    []transport.Params
	onDial    func(*Conn)
}

// NewDialer returns a dialer that completes every handshake with hs.
func NewDialer(hs transport.Handshake) *Dialer {
	return &Dialer{handshake: hs}
}

// FailNext makes the next len(errs) dials fail in order.
func (d *Dialer) FailNext(errs ...error) {
	d.mu.Lock()
	d.failures = append(d.failures, errs...)
	d.mu.Unlock()
}

// SetHandshake changes the result of later dials.
func (d *Dialer) SetHandshake(hs transport.Handshake) {
	d.mu.Lock()
	d.handshake = hs
	d.mu.Unlock()
}

// OnDial runs fn on every new connection before Dial returns, e.g. to
// script its first events.
func (d *Dialer) OnDial(fn func(*Conn)) {
	d.mu.Lock()
	d.onDial = fn
	d.mu.Unlock()
}

// Hold blocks later dials until the returned release is called.
func (d *Dialer) Hold() (release func()) {
	gate := make(chan struct{})
	d.mu.Lock()
	d.gate = gate
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if d.gate == gate {
				d.gate = nil
			}
			d.mu.Unlock()
			close(gate)
		})
	}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, p transport.Params) (transport.Conn, transport.Handshake, error) {
	d.mu.Lock()
	d.params = append(d.params, p)
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, transport.Handshake{}, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, transport.Handshake{}, err
	}

	c := NewConn()
	d.conns = append(d.conns, c)
	if d.onDial != nil {
		d.onDial(c)
	}
	return c, d.handshake, nil
}

// Conns returns every connection handed out, oldest first.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Last returns the newest connection or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Dials returns the number of Dial calls, failed ones included.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.params)
}

// Params returns the parameters of every Dial call.
func (d *Dialer) Params() []transport.Params {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]transport.Params(nil), d.params...)
}
