package decoder

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Options configure a decoder instance.
type Options struct {
	ColorSpace ColorSpace
	// PoolCapacity bounds idle RGBA buffers (0 = framepool.DefaultCapacity).
	PoolCapacity int
	// Width and Height are the expected desktop size, a sizing hint only.
	Width  int
	Height int
}

// Factory builds a decoder. It returns an error wrapping ErrInitFailed when the
// backend is unavailable on this host, so Open can fall back.
type Factory func(Options) (Decoder, error)

// Registry maps backend names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	order     []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces a backend. Registration order is the default
// fallback order for Open.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; !exists {
		r.order = append(r.order, name)
	}
	r.factories[name] = f
}

// Names returns registered backends in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Open tries each named backend in order and returns the first decoder that
// constructs. A backend failing with ErrInitFailed is skipped; any other
// error aborts. An empty names list means registration order.
func (r *Registry) Open(names []string, opts Options) (Decoder, error) {
	if len(names) == 0 {
		names = r.Names()
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no backends registered", ErrInitFailed)
	}

	var errs []error
	for _, name := range names {
		r.mu.RLock()
		f, ok := r.factories[name]
		r.mu.RUnlock()

		if !ok {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownBackend, name))
			continue
		}

		d, err := f(opts)
		if err == nil {
			slog.Info("decoder: backend opened", "backend", d.Name(), "requested", name)
			return d, nil
		}

		if !errors.Is(err, ErrInitFailed) {
			return nil, fmt.Errorf("decoder: open %s: %w", name, err)
		}

		slog.Warn("decoder: backend init failed, trying next",
			"backend", name,
			"error", err,
		)
		errs = append(errs, err)
	}

	return nil, fmt.Errorf("%w: no usable backend among [%s]: %w",
		ErrInitFailed, strings.Join(names, ", "), errors.Join(errs...))
}

// Probe tries every registered backend and reports which ones construct.
// Decoders opened for the probe are closed immediately.
func (r *Registry) Probe(opts Options) map[string]error {
	names := r.Names()
	sort.Strings(names)

	result := make(map[string]error, len(names))
	for _, name := range names {
		r.mu.RLock()
		f := r.factories[name]
		r.mu.RUnlock()

		d, err := f(opts)
		if err == nil {
			_ = d.Close()
		}
		result[name] = err
	}
	return result
}
