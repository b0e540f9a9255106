package pipeline

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Picture is one raw decoded picture copied out of an appsink sample.
type Picture struct {
	Data     []byte
	Format   string
	Width    int
	Height   int
	Received time.Time
}

// Queue hands pictures from the GStreamer streaming thread to the goroutine
// driving the transform.
type Queue struct {
	mu      sync.Mutex
	items   []Picture
	limit   int
	notify  chan struct{}
	dropped uint64
}

// NewQueue creates a queue holding at most limit pictures; older pictures are
// dropped first when it overflows.
func NewQueue(limit int) *Queue {
	if limit <= 0 {
		limit = 16
	}
	return &Queue{limit: limit, notify: make(chan struct{}, 1)}
}

// Push appends p, dropping the oldest picture when full.
func (q *Queue) Push(p Picture) {
	q.mu.Lock()
	if len(q.items) >= q.limit {
		q.items[0] = Picture{}
		q.items = q.items[1:]
		atomic.AddUint64(&q.dropped, 1)
	}
	q.items = append(q.items, p)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes the oldest picture.
func (q *Queue) Pop() (Picture, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Picture{}, false
	}
	p := q.items[0]
	q.items[0] = Picture{}
	q.items = q.items[1:]
	return p, true
}

// Len returns the number of queued pictures.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wait blocks until a picture is queued or timeout elapses.
func (q *Queue) Wait(timeout time.Duration) bool {
	if q.Len() > 0 {
		return true
	}
	if timeout <= 0 {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.notify:
			if q.Len() > 0 {
				return true
			}
		case <-timer.C:
			return q.Len() > 0
		}
	}
}

// Dropped returns how many pictures overflowed the queue.
func (q *Queue) Dropped() uint64 {
	return atomic.LoadUint64(&q.dropped)
}

// Reset discards queued pictures.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// OnNewSample is the appsink callback. It copies the mapped buffer (GStreamer
// reuses it) together with the negotiated caps into q.
//
// Returns gst.FlowOK even for unreadable samples: one bad picture must not
// stop the stream.
func OnNewSample(sink *app.Sink, q *Queue) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstdecoder: failed to pull sample from appsink, skipping picture")
		return gst.FlowOK
	}

	format, width, height, ok := capsInfo(sample.GetCaps())
	if !ok {
		slog.Warn("gstdecoder: sample without raw video caps, skipping picture")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstdecoder: failed to get buffer from sample, skipping picture")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("gstdecoder: empty buffer received")
		return gst.FlowOK
	}

	pic := Picture{
		Data:     make([]byte, len(data)),
		Format:   format,
		Width:    width,
		Height:   height,
		Received: time.Now(),
	}
	copy(pic.Data, data)
	buffer.Unmap()

	q.Push(pic)
	slog.Debug("gstdecoder: picture queued",
		"format", format,
		"width", width,
		"height", height,
		"size_bytes", len(pic.Data),
	)
	return gst.FlowOK
}

// capsInfo extracts format and geometry from raw video caps.
func capsInfo(caps *gst.Caps) (format string, width, height int, ok bool) {
	if caps == nil || caps.GetSize() == 0 {
		return "", 0, 0, false
	}
	s := caps.GetStructureAt(0)
	if s == nil {
		return "", 0, 0, false
	}

	if v, err := s.GetValue("format"); err == nil {
		format, _ = v.(string)
	}
	if v, err := s.GetValue("width"); err == nil {
		width, _ = v.(int)
	}
	if v, err := s.GetValue("height"); err == nil {
		height, _ = v.(int)
	}
	return format, width, height, format != ""
}
