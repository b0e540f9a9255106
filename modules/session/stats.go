package session

import (
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/decoder"
)

// latencyWindowSize is the number of decode latency samples kept.
const latencyWindowSize = 100

// LatencyWindow is a fixed ring of latency samples in milliseconds.
//
// It is a value type: the session goroutine copies, appends and publishes it
// through an atomic pointer so readers never block decoding.
type LatencyWindow struct {
	Samples [latencyWindowSize]float64
	Index   int
	Count   int
}

// AddSample records one latency, overwriting the oldest once full.
func (w *LatencyWindow) AddSample(ms float64) {
	w.Samples[w.Index] = ms
	w.Index = (w.Index + 1) % len(w.Samples)
	if w.Count < len(w.Samples) {
		w.Count++
	}
}

// GetStats returns mean, 95th percentile and max. An empty window is all zero.
func (w *LatencyWindow) GetStats() (mean, p95, max float64) {
	if w.Count == 0 {
		return 0, 0, 0
	}

	sorted := make([]float64, w.Count)
	copy(sorted, w.Samples[:w.Count])
	sort.Float64s(sorted)

	var sum float64
	for _, s := range sorted {
		sum += s
	}
	mean = sum / float64(w.Count)
	p95 = sorted[int(0.95*float64(w.Count-1))]
	max = sorted[w.Count-1]
	return mean, p95, max
}

// engineStats is implemented by decoders that expose engine counters.
type engineStats interface {
	Stats() decoder.EngineStats
}

// Stats holds the counters of one session. Counters are atomic; the session
// goroutine is the only writer.
type Stats struct {
	startedAt time.Time

	unitsReceived atomic.Uint64
	bytesReceived atomic.Uint64
	framesDecoded atomic.Uint64
	framesPushed  atomic.Uint64
	viewerDrops   atomic.Uint64
	decodeErrors  atomic.Uint64
	reconnects    atomic.Uint64
	inputEvents   atomic.Uint64
	commands      atomic.Uint64

	lastFrameAt atomic.Int64 // unix nanos
	fpsBits     atomic.Uint64
	latency     atomic.Pointer[LatencyWindow]
	decoder     atomic.Pointer[engineStats]

	// FPS window, session goroutine only.
	fpsStart  time.Time
	fpsFrames int
}

func newStats() *Stats {
	s := &Stats{startedAt: time.Now()}
	s.latency.Store(&LatencyWindow{})
	return s
}

func (s *Stats) unit(size int) {
	s.unitsReceived.Add(1)
	s.bytesReceived.Add(uint64(size))
}

func (s *Stats) decodeLatency(d time.Duration) {
	w := *s.latency.Load()
	w.AddSample(float64(d.Microseconds()) / 1000)
	s.latency.Store(&w)
}

func (s *Stats) frame(now time.Time) {
	s.framesDecoded.Add(1)
	s.lastFrameAt.Store(now.UnixNano())

	if s.fpsStart.IsZero() {
		s.fpsStart = now
	}
	s.fpsFrames++
	if elapsed := now.Sub(s.fpsStart); elapsed >= time.Second {
		s.fpsBits.Store(math.Float64bits(float64(s.fpsFrames) / elapsed.Seconds()))
		s.fpsStart = now
		s.fpsFrames = 0
	}
}

func (s *Stats) setDecoder(d decoder.Decoder) {
	if es, ok := d.(engineStats); ok {
		s.decoder.Store(&es)
	}
}

// StatsSnapshot is a read-only copy of session statistics.
type StatsSnapshot struct {
	Uptime        time.Duration `json:"uptime"`
	UnitsReceived uint64        `json:"units_received"`
	BytesReceived uint64        `json:"bytes_received"`
	FramesDecoded uint64        `json:"frames_decoded"`
	FramesPushed  uint64        `json:"frames_pushed"`
	ViewerDrops   uint64        `json:"viewer_drops"`
	DecodeErrors  uint64        `json:"decode_errors"`
	Reconnects    uint64        `json:"reconnects"`
	InputEvents   uint64        `json:"input_events"`
	Commands      uint64        `json:"commands"`
	PendingCmds   int           `json:"pending_commands"`

	FPS         float64   `json:"fps"`
	LastFrameAt time.Time `json:"last_frame_at"`

	DecodeLatencyMeanMS float64 `json:"decode_latency_mean_ms"`
	DecodeLatencyP95MS  float64 `json:"decode_latency_p95_ms"`
	DecodeLatencyMaxMS  float64 `json:"decode_latency_max_ms"`

	Decoder *decoder.EngineStats `json:"decoder,omitempty"`
}

// Snapshot reads every counter without blocking the session.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Uptime:        time.Since(s.startedAt),
		UnitsReceived: s.unitsReceived.Load(),
		BytesReceived: s.bytesReceived.Load(),
		FramesDecoded: s.framesDecoded.Load(),
		FramesPushed:  s.framesPushed.Load(),
		ViewerDrops:   s.viewerDrops.Load(),
		DecodeErrors:  s.decodeErrors.Load(),
		Reconnects:    s.reconnects.Load(),
		InputEvents:   s.inputEvents.Load(),
		Commands:      s.commands.Load(),
	}

	if ns := s.lastFrameAt.Load(); ns != 0 {
		snap.LastFrameAt = time.Unix(0, ns)
		// A stalled stream reports zero instead of its last rate.
		if time.Since(snap.LastFrameAt) < 2*time.Second {
			snap.FPS = math.Float64frombits(s.fpsBits.Load())
		}
	}

	w := s.latency.Load()
	snap.DecodeLatencyMeanMS, snap.DecodeLatencyP95MS, snap.DecodeLatencyMaxMS = w.GetStats()

	if es := s.decoder.Load(); es != nil {
		ds := (*es).Stats()
		snap.Decoder = &ds
	}
	return snap
}
