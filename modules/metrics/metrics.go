// Package metrics exposes deskhub's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deskhub"

var (
	// Session Metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "The current number of running sessions.",
	})
	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "The total number of sessions started.",
	})
	SessionExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_exits_total",
		Help:      "Session exits by error category (none for a requested shutdown).",
	}, []string{"category"})
	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Reconnect outcomes.",
	}, []string{"result"})
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Session commands executed by kind.",
	}, []string{"kind"})

	// Decode Metrics
	FramesDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_decoded_total",
		Help:      "The total number of frames decoded.",
	}, []string{"backend"})
	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_errors_total",
		Help:      "The total number of failed decode or flush calls.",
	}, []string{"backend"})
	DecodeSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "decode_duration_seconds",
		Help:      "Time spent in a single decode call.",
		Buckets:   []float64{.0005, .001, .002, .005, .01, .02, .05, .1},
	}, []string{"backend"})

	// Viewer Metrics
	ViewerFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "viewer_frames_total",
		Help:      "Frames handed to viewer sinks.",
	})
	ViewerDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "viewer_drops_total",
		Help:      "Frames a viewer sink refused.",
	})
	ViewerConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "viewer_connections_active",
		Help:      "The current number of websocket viewers.",
	})

	// Control Metrics
	ControlMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "control_messages_total",
		Help:      "Control plane messages by command and result.",
	}, []string{"command", "result"})
	MirrorPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mirror_publishes_total",
		Help:      "Session mirror writes by result.",
	}, []string{"result"})

	// Auth Metrics
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_failures_total",
		Help:      "The total number of rejected API requests.",
	}, []string{"reason"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
