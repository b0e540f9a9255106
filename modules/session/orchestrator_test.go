package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/decoder"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/framestore"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/transport"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/transport/transporttest"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/viewer"
)

// fakeDecoder turns a unit of [w_hi, w_lo, h_hi, h_lo, fill] into one solid
// frame. Units of other shapes are decode errors.
type fakeDecoder struct {
	mu      sync.Mutex
	flushes int
	closed  bool
}

func unit(w, h int, fill byte) []byte {
	return []byte{byte(w >> 8), byte(w), byte(h >> 8), byte(h), fill}
}

func (d *fakeDecoder) Decode(u []byte) ([]*decoder.Frame, error) {
	if len(u) == 0 {
		return nil, nil
	}
	if len(u) != 5 {
		return nil, decoder.ErrDecodeFailed
	}
	w := int(u[0])<<8 | int(u[1])
	h := int(u[2])<<8 | int(u[3])
	data := make([]byte, w*h*4)
	for i := range data {
		data[i] = u[4]
	}
	return []*decoder.Frame{decoder.NewFrame(w, h, data)}, nil
}

func (d *fakeDecoder) Flush() ([]*decoder.Frame, error) {
	d.mu.Lock()
	d.flushes++
	d.mu.Unlock()
	return nil, nil
}

func (d *fakeDecoder) Name() string { return "fake" }

func (d *fakeDecoder) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

type harness struct {
	dialer *transporttest.Dialer
	dec    *fakeDecoder
	store  *framestore.Store
	orch   *Orchestrator

	mu      sync.Mutex
	exitErr error
	exited  bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		dialer: transporttest.NewDialer(transport.Handshake{Width: 1920, Height: 1080, CertFingerprint: "sha256:abcd"}),
		dec:    &fakeDecoder{},
		store:  framestore.New(),
	}

	reg := decoder.NewRegistry()
	reg.Register("fake", func(decoder.Options) (decoder.Decoder, error) { return h.dec, nil })

	orch, err := New(Config{
		SlotID:   "slot-1",
		Params:   transport.Params{Host: "10.0.0.5", Port: 3389, Username: "alice", Width: 1920, Height: 1080},
		Dialer:   h.dialer,
		Decoders: reg,
		Store:    h.store,
		Reconnect: ReconnectPolicy{
			MaxRetries:      2,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		},
		OnExit: func(_ Session, err error) {
			h.mu.Lock()
			h.exited = true
			h.exitErr = err
			h.mu.Unlock()
		},
	})
	require.NoError(t, err)
	h.orch = orch

	t.Cleanup(func() {
		_ = orch.Send(Shutdown())
		select {
		case <-orch.Done():
		case <-time.After(2 * time.Second):
			t.Error("session did not exit")
		}
	})
	return h
}

func (h *harness) start(t *testing.T) Session {
	t.Helper()
	s, err := h.orch.Start(context.Background())
	require.NoError(t, err)
	return s
}

func (h *harness) conn() *transporttest.Conn {
	return h.dialer.Last()
}

func (h *harness) waitDims(t *testing.T, w, hgt int) {
	t.Helper()
	require.Eventually(t, func() bool {
		gw, gh, ok := h.store.Dimensions(h.orch.ID())
		return ok && gw == w && gh == hgt
	}, 2*time.Second, 5*time.Millisecond)
}

func waitDone(t *testing.T, o *Orchestrator) {
	t.Helper()
	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not exit")
	}
}

func TestOrchestrator_ConnectDecodesIntoStore(t *testing.T) {
	h := newHarness(t)

	s := h.start(t)

	assert.True(t, s.Connected)
	assert.Equal(t, StateConnected, s.State)
	assert.Equal(t, "connected", s.StateName)
	assert.Equal(t, 1920, s.Width)
	assert.Equal(t, "sha256:abcd", s.CertFingerprint)
	assert.Equal(t, "fake", s.Backend)
	assert.Equal(t, "slot-1", s.SlotID)
	assert.True(t, s.Headless())

	h.conn().Video(unit(64, 32, 0x80))
	h.waitDims(t, 64, 32)

	region, ok := h.store.ExtractRegion(h.orch.ID(), 0, 0, 1, 1)
	require.True(t, ok)
	assert.Equal(t, []byte{0x80, 0x80, 0x80, 0x80}, region.Data)

	require.Eventually(t, func() bool {
		st := h.orch.Stats()
		return st.FramesDecoded == 1 && st.UnitsReceived == 1 && st.BytesReceived == 5
	}, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_DecodeErrorIsNonFatal(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.conn().Video([]byte{1, 2, 3})
	h.conn().Video(unit(8, 8, 1))

	h.waitDims(t, 8, 8)
	assert.Equal(t, uint64(1), h.orch.Stats().DecodeErrors)
}

func TestOrchestrator_CommandsRunInSendOrder(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	for _, sc := range []uint16{0x10, 0x11, 0x12} {
		require.NoError(t, h.orch.Send(Input([]Action{{Kind: KeyPress, Scancode: sc}})))
	}

	require.Eventually(t, func() bool {
		return len(h.conn().Inputs()) == 6
	}, 2*time.Second, 5*time.Millisecond)

	var downs []uint16
	for _, ev := range h.conn().Inputs() {
		if ev.Down {
			downs = append(downs, ev.Code)
		}
	}
	assert.Equal(t, []uint16{0x10, 0x11, 0x12}, downs)
}

func TestOrchestrator_AttachThenDetachRunsHeadless(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	sink := viewer.NewLatest()
	reply := make(chan Session, 1)
	require.NoError(t, h.orch.Send(AttachViewer(sink, reply)))

	select {
	case s := <-reply:
		assert.True(t, s.ViewerAttached)
	case <-time.After(2 * time.Second):
		t.Fatal("no attach reply")
	}

	h.conn().Video(unit(16, 16, 7))
	f := sink.Receive()
	require.NotNil(t, f)
	assert.Equal(t, 16, f.Width)
	f.Release()

	require.NoError(t, h.orch.Send(DetachViewer()))
	require.Eventually(t, func() bool {
		return !h.orch.Session().ViewerAttached
	}, time.Second, 5*time.Millisecond)

	// Headless: the store keeps updating, the old sink sees nothing.
	h.conn().Video(unit(32, 16, 9))
	h.waitDims(t, 32, 16)

	thumb, err := h.store.Thumbnail(h.orch.ID(), 4, 2)
	require.NoError(t, err)
	assert.Len(t, thumb, 4*2*4)

	assert.Nil(t, sink.Receive(), "detached sink is closed")
	assert.Equal(t, uint64(1), sink.Stats().Pushed)
	assert.Equal(t, uint64(1), h.orch.Stats().FramesPushed)
}

func TestOrchestrator_AttachReplacesPreviousSink(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	first := viewer.NewLatest()
	second := viewer.NewLatest()
	reply := make(chan Session, 1)
	require.NoError(t, h.orch.Send(AttachViewer(first, nil)))
	require.NoError(t, h.orch.Send(AttachViewer(second, reply)))
	<-reply

	h.conn().Video(unit(4, 4, 1))

	f := second.Receive()
	require.NotNil(t, f)
	f.Release()
	assert.Nil(t, first.Receive())
}

func TestOrchestrator_StaleDetachKeepsNewerViewer(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	first := viewer.NewLatest()
	reply := make(chan Session, 1)
	require.NoError(t, h.orch.Send(AttachViewer(first, reply)))
	<-reply

	// A reload: the new viewer's attach is queued before the old one's detach.
	second := viewer.NewLatest()
	require.NoError(t, h.orch.Send(AttachViewer(second, nil)))
	first.Close()
	h.orch.ReleaseViewer(first)
	require.NoError(t, h.orch.Send(DetachSink(first)))

	h.conn().Video(unit(4, 4, 2))
	f := second.Receive()
	require.NotNil(t, f, "newer viewer still attached")
	f.Release()

	assert.True(t, h.orch.Session().ViewerAttached)
	assert.False(t, second.Closed())
}

func TestOrchestrator_DetachSinkOfInstalledViewer(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	sink := viewer.NewLatest()
	reply := make(chan Session, 1)
	require.NoError(t, h.orch.Send(AttachViewer(sink, reply)))
	<-reply

	h.orch.ReleaseViewer(sink)
	assert.False(t, h.orch.Session().ViewerAttached, "flag clears before the command runs")
	require.NoError(t, h.orch.Send(DetachSink(sink)))

	require.Eventually(t, sink.Closed, time.Second, 5*time.Millisecond)
	assert.False(t, h.orch.Session().ViewerAttached)
}

func TestOrchestrator_LongPauseDoesNotBlockShutdown(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	require.NoError(t, h.orch.Send(Input([]Action{
		{Kind: KeyPress, Scancode: 0x1E},
		{Kind: Pause, Delay: time.Hour},
		{Kind: KeyPress, Scancode: 0x1F},
	})))
	require.Eventually(t, func() bool {
		return len(h.conn().InputBatches()) == 1
	}, time.Second, 5*time.Millisecond, "first batch sent, session now pausing")

	start := time.Now()
	require.NoError(t, h.orch.Send(Shutdown()))

	select {
	case <-h.orch.Done():
	case <-time.After(time.Second):
		t.Fatalf("session still running 1s after shutdown; pending=%d", h.orch.Stats().PendingCmds)
	}
	assert.Less(t, time.Since(start), MaxPause)
	assert.Len(t, h.conn().InputBatches(), 1, "batches after the pause are dropped")
}

func TestOrchestrator_ShutdownRightAfterPausedInput(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	// Whether both land in one drain or the shutdown arrives mid-pause,
	// the paused batch is never sent.
	require.NoError(t, h.orch.Send(Input([]Action{
		{Kind: Pause, Delay: time.Hour},
		{Kind: KeyPress, Scancode: 0x1E},
	})))
	require.NoError(t, h.orch.Send(Shutdown()))

	waitDone(t, h.orch)
	assert.Empty(t, h.conn().Inputs())
}

func TestOrchestrator_ResizeFlushesAndUpdatesDimensions(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.conn().Video(unit(1920, 1080, 1))
	h.waitDims(t, 1920, 1080)

	h.conn().Resize(1280, 720)
	h.conn().Video(unit(1280, 720, 2))
	h.waitDims(t, 1280, 720)

	s := h.orch.Session()
	assert.Equal(t, 1280, s.Width)
	assert.Equal(t, 720, s.Height)

	h.dec.mu.Lock()
	assert.Equal(t, 1, h.dec.flushes)
	h.dec.mu.Unlock()
}

func TestOrchestrator_ReconnectPreservesIdentity(t *testing.T) {
	h := newHarness(t)
	before := h.start(t)
	first := h.conn()

	release := h.dialer.Hold()
	require.NoError(t, h.orch.Send(Reconnect()))

	require.Eventually(t, func() bool {
		s := h.orch.Session()
		return s.Reconnecting && s.State == StateReconnecting
	}, 2*time.Second, time.Millisecond)
	assert.True(t, first.Closed())

	release()

	require.Eventually(t, func() bool {
		s := h.orch.Session()
		return !s.Reconnecting && s.ReconnectCount == 1
	}, 2*time.Second, time.Millisecond)

	after := h.orch.Session()
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.SlotID, after.SlotID)
	assert.True(t, after.Connected)
	assert.Equal(t, uint32(1), after.ReconnectCount)
	assert.Equal(t, 2, h.dialer.Dials())

	params := h.dialer.Params()
	assert.Equal(t, params[0].Username, params[1].Username, "credentials are reused")

	// The new connection feeds the same session.
	h.conn().Video(unit(10, 10, 3))
	h.waitDims(t, 10, 10)
}

func TestOrchestrator_ReconnectRetriesWithBackoff(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.dialer.FailNext(errors.New("connection refused"), errors.New("connection refused"))
	require.NoError(t, h.orch.Send(Reconnect()))

	require.Eventually(t, func() bool {
		return h.orch.Session().ReconnectCount == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 4, h.dialer.Dials())
	assert.Equal(t, uint64(1), h.orch.Stats().Reconnects)
}

func TestOrchestrator_ReconnectExhaustedEndsSession(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	refused := errors.New("connection refused")
	h.dialer.FailNext(refused, refused, refused)
	require.NoError(t, h.orch.Send(Reconnect()))

	waitDone(t, h.orch)

	assert.ErrorIs(t, h.orch.Err(), refused)
	h.mu.Lock()
	assert.True(t, h.exited)
	assert.ErrorIs(t, h.exitErr, refused)
	h.mu.Unlock()
	assert.Equal(t, StateDisconnected, h.orch.Session().State)
	assert.False(t, h.orch.Session().Reconnecting)
}

func TestOrchestrator_ReconnectAuthFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.dialer.FailNext(transport.ErrAuth)
	require.NoError(t, h.orch.Send(Reconnect()))

	waitDone(t, h.orch)
	assert.ErrorIs(t, h.orch.Err(), transport.ErrAuth)
	assert.Equal(t, 2, h.dialer.Dials())
}

func TestOrchestrator_TransportFailureEndsSession(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.conn().Video(unit(4, 4, 1))
	h.waitDims(t, 4, 4)

	h.conn().Fail(errors.New("connection reset by peer"))
	waitDone(t, h.orch)

	assert.Error(t, h.orch.Err())
	_, _, ok := h.store.Dimensions(h.orch.ID())
	assert.False(t, ok, "frame slot removed with the session")
	assert.ErrorIs(t, h.orch.Send(DetachViewer()), ErrMailboxClosed)

	h.dec.mu.Lock()
	assert.True(t, h.dec.closed)
	h.dec.mu.Unlock()
}

func TestOrchestrator_ShutdownIsCleanExit(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	sink := viewer.NewLatest()
	require.NoError(t, h.orch.Send(Shutdown()))
	if err := h.orch.Send(AttachViewer(sink, nil)); err != nil {
		sink.Close() // session already gone
	}

	waitDone(t, h.orch)

	assert.NoError(t, h.orch.Err())
	assert.True(t, h.conn().Closed())
	assert.Nil(t, sink.Receive(), "undelivered sinks are closed")
}

func TestOrchestrator_DialFailureFailsStart(t *testing.T) {
	h := newHarness(t)
	h.dialer.FailNext(transport.ErrAuth)

	_, err := h.orch.Start(context.Background())

	require.ErrorIs(t, err, transport.ErrAuth)
	waitDone(t, h.orch)
}

func TestOrchestrator_StartHonoursContext(t *testing.T) {
	h := newHarness(t)
	release := h.dialer.Hold()
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.orch.Start(ctx)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	waitDone(t, h.orch)
}

func TestOrchestrator_DecoderFallback(t *testing.T) {
	dialer := transporttest.NewDialer(transport.Handshake{Width: 800, Height: 600})
	reg := decoder.NewRegistry()
	reg.Register("hardware", func(decoder.Options) (decoder.Decoder, error) {
		return nil, decoder.ErrInitFailed
	})
	reg.Register("fake", func(decoder.Options) (decoder.Decoder, error) { return &fakeDecoder{}, nil })

	orch, err := New(Config{Dialer: dialer, Decoders: reg, Store: framestore.New()})
	require.NoError(t, err)
	assert.NotEmpty(t, orch.ID(), "id is generated")

	s, err := orch.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fake", s.Backend)

	require.NoError(t, orch.Send(Shutdown()))
	waitDone(t, orch)
}

func TestOrchestrator_SignOutTypesLogoff(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	require.NoError(t, h.orch.Send(SignOut()))

	require.Eventually(t, func() bool {
		return len(h.conn().InputBatches()) == 2
	}, 3*time.Second, 10*time.Millisecond)

	batches := h.conn().InputBatches()
	assert.Equal(t, Translate(SignOutSequence()[:3]), batches[0], "Win+R before the pause")

	var typed []rune
	for _, ev := range batches[1] {
		if ev.Kind == transport.InputUnicode && ev.Down {
			typed = append(typed, rune(ev.Code))
		}
	}
	assert.Equal(t, "logoff", string(typed))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
