// Package framestore keeps the latest decoded frame of every session.
//
// Each session's slot is replaced wholesale on every write, never patched.
// Readers (region extraction, thumbnails, screenshots) always observe one
// complete frame: they take a reference under the read lock and work on the
// immutable frame after releasing it, so a slow PNG encode never blocks the
// session writing the next frame.
package framestore

import (
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/decoder"
)

var (
	// ErrNoFrame means the session has no frame yet (or a zero-sized one).
	ErrNoFrame = errors.New("framestore: no frame for session")

	// ErrInvalidSize is returned for thumbnail dimensions that are not
	// positive or exceed the frame.
	ErrInvalidSize = errors.New("framestore: invalid target size")
)

// Region is a copied sub-rectangle of a frame in RGBA order.
type Region struct {
	X, Y          int
	Width, Height int
	Data          []byte
}

// Stats is a snapshot of store activity.
type Stats struct {
	Sessions    int
	Writes      uint64
	Extracts    uint64
	Thumbnails  uint64
	Screenshots uint64
}

// Store maps session ids to their latest frame.
//
// Thread-safety: read-many/write-one. Each session has a single writer (its
// orchestrator); any goroutine may read.
type Store struct {
	mu    sync.RWMutex
	slots map[string]*decoder.Frame

	writes      uint64
	extracts    uint64
	thumbnails  uint64
	screenshots uint64
}

// New creates an empty store.
func New() *Store {
	return &Store{slots: make(map[string]*decoder.Frame)}
}

// Write replaces the session's slot with f. The store retains f and releases
// the frame it replaces.
func (s *Store) Write(sessionID string, f *decoder.Frame) {
	if f == nil {
		return
	}
	f.Retain()

	s.mu.Lock()
	old := s.slots[sessionID]
	s.slots[sessionID] = f
	s.mu.Unlock()

	atomic.AddUint64(&s.writes, 1)
	old.Release()
}

// acquire returns a retained reference to the session's frame.
func (s *Store) acquire(sessionID string) *decoder.Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f := s.slots[sessionID]
	if f == nil {
		return nil
	}
	return f.Retain()
}

// Dimensions returns the current frame size.
func (s *Store) Dimensions(sessionID string) (width, height int, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f := s.slots[sessionID]
	if f == nil {
		return 0, 0, false
	}
	return f.Width, f.Height, true
}

// ExtractRegion copies the rectangle (x, y, w, h) of the current frame. The
// rectangle is clipped to the frame; the returned Region carries the clipped
// geometry. ok is false only when the session has no frame.
func (s *Store) ExtractRegion(sessionID string, x, y, w, h int) (Region, bool) {
	f := s.acquire(sessionID)
	if f == nil {
		return Region{}, false
	}
	defer f.Release()

	if len(f.Data) < f.Width*f.Height*4 {
		return Region{}, false
	}
	atomic.AddUint64(&s.extracts, 1)

	// image.Rect would canonicalize a negative size into a valid rectangle.
	if w <= 0 || h <= 0 {
		return Region{X: x, Y: y, Data: []byte{}}, true
	}
	r := image.Rect(x, y, x+w, y+h).Intersect(image.Rect(0, 0, f.Width, f.Height))
	if r.Empty() {
		return Region{X: x, Y: y, Data: []byte{}}, true
	}

	rowBytes := r.Dx() * 4
	out := make([]byte, rowBytes*r.Dy())
	for row := 0; row < r.Dy(); row++ {
		src := ((r.Min.Y+row)*f.Width + r.Min.X) * 4
		copy(out[row*rowBytes:(row+1)*rowBytes], f.Data[src:src+rowBytes])
	}

	return Region{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy(), Data: out}, true
}

// Thumbnail returns a nearest-neighbour resize of the whole frame to
// targetW×targetH RGBA. The target may not be larger than the frame.
func (s *Store) Thumbnail(sessionID string, targetW, targetH int) ([]byte, error) {
	if targetW <= 0 || targetH <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, targetW, targetH)
	}

	f, err := s.nonEmpty(sessionID)
	if err != nil {
		return nil, err
	}
	defer f.Release()

	if targetW > f.Width || targetH > f.Height {
		return nil, fmt.Errorf("%w: %dx%d exceeds frame %dx%d",
			ErrInvalidSize, targetW, targetH, f.Width, f.Height)
	}
	atomic.AddUint64(&s.thumbnails, 1)

	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	src := asImage(f)
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst.Pix, nil
}

// SaveScreenshot encodes the current frame to path. The encoder follows the
// extension: .png (default), .jpg/.jpeg, .bmp, .tif/.tiff.
func (s *Store) SaveScreenshot(sessionID, path string) error {
	f, err := s.nonEmpty(sessionID)
	if err != nil {
		return err
	}
	defer f.Release()

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("framestore: create screenshot dir: %w", err)
		}
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("framestore: create screenshot: %w", err)
	}

	if err := Encode(out, asImage(f), filepath.Ext(path)); err != nil {
		out.Close()
		os.Remove(path)
		return err
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("framestore: close screenshot: %w", err)
	}

	atomic.AddUint64(&s.screenshots, 1)
	slog.Info("framestore: screenshot saved",
		"session_id", sessionID,
		"path", path,
		"width", f.Width,
		"height", f.Height,
	)
	return nil
}

// Encode writes img in the format named by ext (with or without the dot).
func Encode(w io.Writer, img image.Image, ext string) error {
	var err error
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "jpg", "jpeg":
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: 90})
	case "bmp":
		err = bmp.Encode(w, img)
	case "tif", "tiff":
		err = tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		err = png.Encode(w, img)
	}
	if err != nil {
		return fmt.Errorf("framestore: encode %s: %w", ext, err)
	}
	return nil
}

// Snapshot returns the current frame as an image. The pixels are copied.
func (s *Store) Snapshot(sessionID string) (*image.RGBA, error) {
	f, err := s.nonEmpty(sessionID)
	if err != nil {
		return nil, err
	}
	defer f.Release()

	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	copy(img.Pix, f.Data)
	return img, nil
}

func (s *Store) nonEmpty(sessionID string) (*decoder.Frame, error) {
	f := s.acquire(sessionID)
	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoFrame, sessionID)
	}
	if f.Width <= 0 || f.Height <= 0 || len(f.Data) < f.Width*f.Height*4 {
		f.Release()
		return nil, fmt.Errorf("%w: %s (zero-sized)", ErrNoFrame, sessionID)
	}
	return f, nil
}

// asImage wraps frame pixels without copying. The frame is opaque RGBA so
// premultiplied and straight alpha coincide.
func asImage(f *decoder.Frame) *image.RGBA {
	return &image.RGBA{
		Pix:    f.Data[:f.Width*f.Height*4],
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// Remove drops the session's slot.
func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	old := s.slots[sessionID]
	delete(s.slots, sessionID)
	s.mu.Unlock()

	old.Release()
}

// Sessions lists session ids with a stored frame, sorted.
func (s *Store) Sessions() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.slots))
	for id := range s.slots {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Stats returns a snapshot of store counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	n := len(s.slots)
	s.mu.RUnlock()

	return Stats{
		Sessions:    n,
		Writes:      atomic.LoadUint64(&s.writes),
		Extracts:    atomic.LoadUint64(&s.extracts),
		Thumbnails:  atomic.LoadUint64(&s.thumbnails),
		Screenshots: atomic.LoadUint64(&s.screenshots),
	}
}
