package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/decoder/decodertest"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/framestore"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/logbuf"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/registry"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/session"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/transport"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/transport/transporttest"
)

const testSecret = "0123456789abcdef0123"

type env struct {
	srv    *httptest.Server
	reg    *registry.Registry
	dialer *transporttest.Dialer
	store  *framestore.Store
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()

	e := &env{
		dialer: transporttest.NewDialer(transport.Handshake{Width: 1024, Height: 768}),
		store:  framestore.New(),
	}
	reg, err := registry.New(registry.Config{
		Dialer:        e.dialer,
		Decoders:      decodertest.Registry(),
		Store:         e.store,
		Logs:          logbuf.New(0),
		ReadTimeout:   transporttest.DefaultIdle,
		ScreenshotDir: t.TempDir(),
	})
	require.NoError(t, err)
	e.reg = reg
	e.srv = httptest.NewServer(New(reg, cfg).Handler())

	t.Cleanup(func() {
		e.srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return e
}

func (e *env) do(t *testing.T, method, path string, body any, token string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *env) connect(t *testing.T, slot string) session.Session {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/sessions", registry.ConnectRequest{SlotID: slot, Host: "10.1.1.1"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var s session.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	return s
}

func (e *env) waitFrame(t *testing.T, id string, width int) {
	t.Helper()
	require.Eventually(t, func() bool {
		w, _, ok := e.store.Dimensions(id)
		return ok && w == width
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, Config{})
	resp := e.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionLifecycle(t *testing.T) {
	e := newEnv(t, Config{})

	s := e.connect(t, "tab-1")
	assert.True(t, s.Connected)
	assert.Equal(t, "connected", s.StateName)

	resp := e.do(t, http.MethodGet, "/sessions", nil, "")
	var list []session.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)

	resp = e.do(t, http.MethodGet, "/sessions/tab-1", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "slot id resolves")

	resp = e.do(t, http.MethodDelete, "/sessions/"+s.ID, nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = e.do(t, http.MethodDelete, "/sessions/"+s.ID, nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode, "disconnect is idempotent")

	resp = e.do(t, http.MethodGet, "/sessions/"+s.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConnect_BadRequests(t *testing.T) {
	e := newEnv(t, Config{})

	resp := e.do(t, http.MethodPost, "/sessions", map[string]any{"port": 3389}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	e.dialer.FailNext(fmt.Errorf("%w: denied", transport.ErrAuth))
	resp = e.do(t, http.MethodPost, "/sessions", registry.ConnectRequest{Host: "h"}, "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestCommandsAndInput(t *testing.T) {
	e := newEnv(t, Config{})
	s := e.connect(t, "tab-1")

	resp := e.do(t, http.MethodPost, "/sessions/"+s.ID+"/input",
		[]session.Action{{Kind: session.TypeText, Text: "hi"}}, "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	conn := e.dialer.Last()
	assert.Eventually(t, func() bool { return len(conn.Inputs()) == 4 }, 2*time.Second, 5*time.Millisecond)

	for _, cmd := range []string{"sign-out", "force-reboot", "detach", "reconnect"} {
		resp := e.do(t, http.MethodPost, "/sessions/"+s.ID+"/"+cmd, nil, "")
		assert.Equal(t, http.StatusAccepted, resp.StatusCode, cmd)
	}

	resp = e.do(t, http.MethodPost, "/sessions/missing/reconnect", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPollingEndpoints(t *testing.T) {
	e := newEnv(t, Config{})
	s := e.connect(t, "tab-1")

	resp := e.do(t, http.MethodGet, "/sessions/"+s.ID+"/frame?w=2&h=2", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no frame yet")

	e.dialer.Last().Video(decodertest.Unit(16, 8, 200))
	e.waitFrame(t, s.ID, 16)

	resp = e.do(t, http.MethodGet, "/sessions/"+s.ID+"/frame?x=2&y=2&w=4&h=3", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "4", resp.Header.Get("X-Frame-Width"))
	assert.Equal(t, "3", resp.Header.Get("X-Frame-Height"))
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	assert.Len(t, body.Bytes(), 4*3*4)

	resp = e.do(t, http.MethodGet, "/sessions/"+s.ID+"/frame?x=abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/sessions/"+s.ID+"/thumbnail?w=8&h=4&format=png", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())

	resp = e.do(t, http.MethodGet, "/sessions/"+s.ID+"/thumbnail?w=0&h=4", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/sessions/"+s.ID+"/thumbnail?w=2147483648&h=2147483648", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "larger than the frame")

	resp = e.do(t, http.MethodPost, "/sessions/"+s.ID+"/screenshot", map[string]string{"path": "out.png"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var shot map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&shot))
	assert.True(t, strings.HasSuffix(shot["path"], "out.png"))

	resp = e.do(t, http.MethodGet, "/sessions/"+s.ID+"/stats", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats session.StatsSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.EqualValues(t, 1, stats.FramesDecoded)
}

func TestLogsEndpoint(t *testing.T) {
	e := newEnv(t, Config{})

	resp := e.do(t, http.MethodGet, "/logs?since=1700000000000", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []logbuf.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))

	resp = e.do(t, http.MethodGet, "/logs?since=yesterday", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuth(t *testing.T) {
	e := newEnv(t, Config{JWTSecret: testSecret})

	full, err := IssueToken(testSecret, "ops", nil, time.Minute)
	require.NoError(t, err)
	viewOnly, err := IssueToken(testSecret, "kiosk", []string{"view"}, time.Minute)
	require.NoError(t, err)
	expired, err := IssueToken(testSecret, "ops", nil, -time.Minute)
	require.NoError(t, err)
	foreign, err := IssueToken("another-secret-of-16+", "ops", nil, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", nil, "").StatusCode, "health is public")
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/sessions", nil, "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/sessions", nil, expired).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/sessions", nil, foreign).StatusCode)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/sessions", nil, viewOnly).StatusCode)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/sessions?token="+full, nil, "").StatusCode)

	resp := e.do(t, http.MethodPost, "/sessions", registry.ConnectRequest{Host: "h"}, viewOnly)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = e.do(t, http.MethodPost, "/sessions", registry.ConnectRequest{Host: "h"}, full)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func dialView(t *testing.T, e *env, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/sessions/" + id + "/view"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestView_StreamsRawFrames(t *testing.T) {
	e := newEnv(t, Config{})
	s := e.connect(t, "tab-1")

	ws := dialView(t, e, s.ID)
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello ViewMessage
	require.NoError(t, ws.ReadJSON(&hello))
	assert.Equal(t, "session", hello.Type)
	require.NotNil(t, hello.Session)
	assert.True(t, hello.Session.ViewerAttached)

	e.dialer.Last().Video(decodertest.Unit(4, 2, 42))

	kind, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	w, h, pix, err := ParseFrameMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, 4, w)
	assert.Equal(t, 2, h)
	assert.Equal(t, byte(42), pix[0])

	// Input over the socket reaches the transport.
	require.NoError(t, ws.WriteJSON(ViewMessage{Type: "input", Actions: []session.Action{{Kind: session.KeyPress, Scancode: 0x1E}}}))
	assert.Eventually(t, func() bool { return len(e.dialer.Last().Inputs()) == 2 }, 2*time.Second, 5*time.Millisecond)

	// Leaving detaches but keeps the session.
	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	ws.Close()
	assert.Eventually(t, func() bool {
		cur, err := e.reg.Session(s.ID)
		return err == nil && !cur.ViewerAttached
	}, 2*time.Second, 5*time.Millisecond)
}

func TestView_ReplacedViewerIsClosed(t *testing.T) {
	e := newEnv(t, Config{})
	s := e.connect(t, "tab-1")

	first := dialView(t, e, s.ID)
	var hello ViewMessage
	require.NoError(t, first.ReadJSON(&hello))

	second := dialView(t, e, s.ID)
	require.NoError(t, second.ReadJSON(&hello))

	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	cur, err := e.reg.Session(s.ID)
	require.NoError(t, err)
	assert.True(t, cur.ViewerAttached, "the newer viewer stays attached")
}

func TestView_UnknownSession(t *testing.T) {
	e := newEnv(t, Config{})
	resp := e.do(t, http.MethodGet, "/sessions/nope/view", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestParseFrameMessage_Errors(t *testing.T) {
	_, _, _, err := ParseFrameMessage([]byte{1, 2})
	assert.Error(t, err)

	msg := make([]byte, FrameHeaderSize+3)
	msg[3] = 1
	msg[7] = 1
	_, _, _, err = ParseFrameMessage(msg)
	assert.Error(t, err)
}
