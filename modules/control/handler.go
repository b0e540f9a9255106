// Package control accepts session commands over MQTT.
//
// Commands arrive as JSON on the control topic and are executed one at a
// time; every command gets a Response on the responses topic. A periodic
// status message lists the sessions on the events topic.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/config"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/metrics"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/registry"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/session"
)

// queueSize bounds commands waiting for execution.
const queueSize = 16

// Sessions is the registry surface driven by the control plane.
type Sessions interface {
	Connect(ctx context.Context, req registry.ConnectRequest) (session.Session, error)
	Disconnect(id string) error
	Detach(id string) error
	Reconnect(id string) error
	SignOut(id string) error
	ForceReboot(id string) error
	SendInput(id string, actions []session.Action) error
	Session(id string) (session.Session, error)
	List() []session.Session
	Stats(id string) (session.StatsSnapshot, error)
}

// Command is one control message.
type Command struct {
	Command   string                   `json:"command"`
	RequestID string                   `json:"request_id,omitempty"`
	SessionID string                   `json:"session_id,omitempty"`
	Connect   *registry.ConnectRequest `json:"connect,omitempty"`
	Actions   []session.Action         `json:"actions,omitempty"`
}

// Response answers one Command.
type Response struct {
	CommandAck string `json:"command_ack"`
	RequestID  string `json:"request_id,omitempty"`
	Status     string `json:"status"` // success, error
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// StatusEvent is published on the events topic.
type StatusEvent struct {
	Instance  string            `json:"instance"`
	Sessions  []session.Session `json:"sessions"`
	Timestamp string            `json:"timestamp"`
}

// Handler executes control commands against Sessions.
type Handler struct {
	sessions Sessions
	pub      Publisher
	topics   config.MQTTTopics
	instance string

	// ConnectTimeout bounds a connect command (default: 30s).
	ConnectTimeout time.Duration

	commands chan Command
}

// NewHandler creates a handler publishing responses through pub.
func NewHandler(sessions Sessions, pub Publisher, instance string, topics config.MQTTTopics) *Handler {
	return &Handler{
		sessions:       sessions,
		pub:            pub,
		topics:         topics,
		instance:       instance,
		ConnectTimeout: 30 * time.Second,
		commands:       make(chan Command, queueSize),
	}
}

// Start subscribes to the control topic and processes commands until ctx is
// done.
func (h *Handler) Start(ctx context.Context, client mqtt.Client, qos byte) error {
	slog.Info("control: subscribing to control plane", "topic", h.topics.Control, "qos", qos)

	token := client.Subscribe(h.topics.Control, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed: %w", err)
	}

	go h.processCommands(ctx)

	go func() {
		<-ctx.Done()
		if client.IsConnected() {
			client.Unsubscribe(h.topics.Control).WaitTimeout(2 * time.Second)
		}
		slog.Info("control: handler stopped")
	}()
	return nil
}

// messageHandler parses a control message and queues it.
func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("control: failed to parse command", "error", err)
		metrics.ControlMessages.WithLabelValues("unknown", "error").Inc()
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control: command received", "command", cmd.Command, "request_id", cmd.RequestID)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
		metrics.ControlMessages.WithLabelValues(cmd.Command, "dropped").Inc()
		h.sendResponse(Response{
			CommandAck: cmd.Command,
			RequestID:  cmd.RequestID,
			Status:     "error",
			Error:      "command queue full",
		})
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.sendResponse(h.Execute(ctx, cmd))
		}
	}
}

// Execute runs cmd and builds its response.
func (h *Handler) Execute(ctx context.Context, cmd Command) Response {
	resp := Response{CommandAck: cmd.Command, RequestID: cmd.RequestID}

	data, err := h.execute(ctx, cmd)
	if err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		metrics.ControlMessages.WithLabelValues(cmd.Command, "error").Inc()
		return resp
	}
	resp.Status = "success"
	resp.Data = data
	metrics.ControlMessages.WithLabelValues(cmd.Command, "success").Inc()
	return resp
}

func (h *Handler) execute(ctx context.Context, cmd Command) (any, error) {
	needID := func() error {
		if cmd.SessionID == "" {
			return errors.New("missing 'session_id'")
		}
		return nil
	}

	switch cmd.Command {
	case "connect":
		if cmd.Connect == nil {
			return nil, errors.New("missing 'connect' parameters")
		}
		cctx, cancel := context.WithTimeout(ctx, h.ConnectTimeout)
		defer cancel()
		return h.sessions.Connect(cctx, *cmd.Connect)

	case "disconnect":
		if err := needID(); err != nil {
			return nil, err
		}
		return map[string]any{"session_id": cmd.SessionID, "disconnected": true}, h.sessions.Disconnect(cmd.SessionID)

	case "detach":
		return h.queued(cmd, needID, h.sessions.Detach)

	case "reconnect":
		return h.queued(cmd, needID, h.sessions.Reconnect)

	case "sign_out":
		return h.queued(cmd, needID, h.sessions.SignOut)

	case "force_reboot":
		return h.queued(cmd, needID, h.sessions.ForceReboot)

	case "input":
		return h.queued(cmd, needID, func(id string) error {
			return h.sessions.SendInput(id, cmd.Actions)
		})

	case "status":
		if cmd.SessionID == "" {
			return map[string]any{"sessions": h.sessions.List()}, nil
		}
		return h.sessions.Session(cmd.SessionID)

	case "stats":
		if err := needID(); err != nil {
			return nil, err
		}
		return h.sessions.Stats(cmd.SessionID)

	default:
		return nil, fmt.Errorf("unknown command: %s", cmd.Command)
	}
}

func (h *Handler) queued(cmd Command, check func() error, fn func(string) error) (any, error) {
	if err := check(); err != nil {
		return nil, err
	}
	if err := fn(cmd.SessionID); err != nil {
		return nil, err
	}
	return map[string]any{"session_id": cmd.SessionID, "queued": true}, nil
}

// sendResponse publishes resp on the responses topic.
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}
	if err := h.pub.Publish(h.topics.Responses, payload); err != nil {
		slog.Error("control: failed to publish response", "error", err)
		return
	}
	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

// PublishStatus sends the session list on the events topic.
func (h *Handler) PublishStatus() error {
	payload, err := json.Marshal(StatusEvent{
		Instance:  h.instance,
		Sessions:  h.sessions.List(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	return h.pub.Publish(h.topics.Events, payload)
}

// RunStatus publishes status every interval until ctx is done.
func (h *Handler) RunStatus(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.PublishStatus(); err != nil {
				slog.Warn("control: status publish failed", "error", err)
			}
		}
	}
}
