package session

import (
	"fmt"
	"time"
)

// State is the connection lifecycle of a session.
//
//	Connecting → Connected → {Reconnecting → Connected}* → Disconnected
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is a point-in-time snapshot of one remote desktop connection.
//
// ID never changes across reconnects; only ReconnectCount and Reconnecting do.
type Session struct {
	ID              string    `json:"id"`
	SlotID          string    `json:"slot_id,omitempty"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	Username        string    `json:"username"`
	Connected       bool      `json:"connected"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	CertFingerprint string    `json:"cert_fingerprint,omitempty"`
	ViewerAttached  bool      `json:"viewer_attached"`
	ReconnectCount  uint32    `json:"reconnect_count"`
	Reconnecting    bool      `json:"reconnecting"`
	State           State     `json:"-"`
	StateName       string    `json:"state"`
	Backend         string    `json:"backend,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Headless reports whether frames are decoded without a viewer.
func (s Session) Headless() bool {
	return s.Connected && !s.ViewerAttached
}
