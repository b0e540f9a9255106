package gateway

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/decoder"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/metrics"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/registry"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/session"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/viewer"
)

// FrameHeaderSize prefixes every binary frame message: width then height as
// big-endian uint32, followed by width*height*4 RGBA bytes.
const FrameHeaderSize = 8

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	WriteBufferSize: 64 << 10,
}

// ViewMessage is the JSON text message exchanged on a viewer socket. The
// server sends one "session" message after attaching; clients send "input".
type ViewMessage struct {
	Type    string           `json:"type"`
	Session *session.Session `json:"session,omitempty"`
	Actions []session.Action `json:"actions,omitempty"`
}

// ParseFrameMessage splits a binary viewer message.
func ParseFrameMessage(msg []byte) (width, height int, pix []byte, err error) {
	if len(msg) < FrameHeaderSize {
		return 0, 0, nil, errors.New("gateway: short frame message")
	}
	width = int(binary.BigEndian.Uint32(msg[0:4]))
	height = int(binary.BigEndian.Uint32(msg[4:8]))
	pix = msg[FrameHeaderSize:]
	if len(pix) != width*height*4 {
		return 0, 0, nil, fmt.Errorf("gateway: frame payload %d bytes, want %d", len(pix), width*height*4)
	}
	return width, height, pix, nil
}

// handleView attaches a websocket viewer. Frames are pushed as they decode,
// dropping stale ones for a slow client. The session is detached when the
// client leaves; a viewer replaced by a newer attach just closes.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sessions.Session(id); err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("gateway: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	metrics.ViewerConnections.Inc()
	defer metrics.ViewerConnections.Dec()

	sink := viewer.NewLatest()
	attachCtx, cancel := context.WithTimeout(r.Context(), s.cfg.WriteTimeout)
	sess, err := s.sessions.Attach(attachCtx, id, sink)
	cancel()
	if err != nil {
		s.closeSocket(conn, websocket.CloseInternalServerErr, "attach failed")
		return
	}
	log := s.log.With("session_id", sess.ID, "remote", r.RemoteAddr)
	log.Info("gateway: viewer attached")

	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteJSON(ViewMessage{Type: "session", Session: &sess}); err != nil {
		sink.Close()
		_ = s.sessions.DetachSink(sess.ID, sink)
		return
	}

	// leaving marks that this side closed the sink, as opposed to the
	// session replacing or dropping the viewer.
	var leaving atomic.Bool
	closeSink := func() {
		if !sink.Closed() {
			leaving.Store(true)
		}
		sink.Close()
	}

	readerDone := make(chan struct{})
	go s.readViewer(conn, sess.ID, s.canControl(r), closeSink, readerDone)
	go s.pingViewer(conn, readerDone)

	var hdr [FrameHeaderSize]byte
	for {
		f := sink.Receive()
		if f == nil {
			break
		}
		err := s.writeFrame(conn, hdr[:], f)
		f.Release()
		if err != nil {
			log.Debug("gateway: viewer write failed", "error", err)
			closeSink()
			break
		}
	}

	if leaving.Load() {
		if err := s.sessions.DetachSink(sess.ID, sink); err != nil && !errors.Is(err, registry.ErrNotFound) {
			log.Warn("gateway: detach failed", "error", err)
		}
		log.Info("gateway: viewer left")
	} else {
		s.closeSocket(conn, websocket.CloseNormalClosure, "viewer replaced or session ended")
		log.Info("gateway: viewer released by session")
	}
	conn.Close()
	<-readerDone
}

func (s *Server) readViewer(conn *websocket.Conn, id string, control bool, closeSink func(), done chan<- struct{}) {
	defer close(done)
	defer closeSink()

	extend := func() {
		_ = conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))
	}
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		var msg ViewMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("gateway: viewer read ended", "session_id", id, "error", err)
			}
			return
		}
		extend()

		if msg.Type != "input" || len(msg.Actions) == 0 {
			continue
		}
		if !control {
			s.log.Debug("gateway: input without control scope dropped", "session_id", id)
			continue
		}
		if err := s.sessions.SendInput(id, msg.Actions); err != nil {
			s.log.Debug("gateway: viewer input rejected", "session_id", id, "error", err)
		}
	}
}

func (s *Server) pingViewer(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, hdr []byte, f *decoder.Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	wr, err := conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(hdr[0:4], uint32(f.Width))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(f.Height))
	if _, err := wr.Write(hdr); err != nil {
		return err
	}
	if _, err := wr.Write(f.Data); err != nil {
		return err
	}
	return wr.Close()
}

func (s *Server) closeSocket(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(s.cfg.WriteTimeout))
}
