package decoder

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failingFactory(err error) Factory {
	return func(Options) (Decoder, error) { return nil, err }
}

func engineFactory(name string) Factory {
	return func(opts Options) (Decoder, error) {
		ft := newFakeTransform(4, 2)
		e, err := NewEngine(ft, opts)
		if err != nil {
			return nil, err
		}
		return &namedDecoder{Decoder: e, name: name}, nil
	}
}

type namedDecoder struct {
	Decoder
	name string
}

func (d *namedDecoder) Name() string { return d.name }

func TestRegistry_FallsBackOnInitFailed(t *testing.T) {
	reg := NewRegistry()
	reg.Register("hardware", failingFactory(fmt.Errorf("%w: no VA display", ErrInitFailed)))
	reg.Register("software", engineFactory("software"))

	d, err := reg.Open(nil, Options{})

	require.NoError(t, err)
	assert.Equal(t, "software", d.Name())
}

func TestRegistry_ExplicitOrder(t *testing.T) {
	reg := NewRegistry()
	reg.Register("a", engineFactory("a"))
	reg.Register("b", engineFactory("b"))

	d, err := reg.Open([]string{"b", "a"}, Options{})

	require.NoError(t, err)
	assert.Equal(t, "b", d.Name())
}

func TestRegistry_AllFailed(t *testing.T) {
	reg := NewRegistry()
	reg.Register("a", failingFactory(ErrInitFailed))

	_, err := reg.Open([]string{"a", "missing"}, Options{})

	assert.ErrorIs(t, err, ErrInitFailed)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestRegistry_OtherErrorsAbort(t *testing.T) {
	boom := errors.New("boom")
	reg := NewRegistry()
	reg.Register("a", failingFactory(boom))
	reg.Register("b", engineFactory("b"))

	_, err := reg.Open(nil, Options{})

	assert.ErrorIs(t, err, boom)
}

func TestRegistry_EmptyIsInitFailed(t *testing.T) {
	_, err := NewRegistry().Open(nil, Options{})
	assert.ErrorIs(t, err, ErrInitFailed)
}

func TestRegistry_ReRegisterKeepsOrder(t *testing.T) {
	reg := NewRegistry()
	reg.Register("a", engineFactory("a"))
	reg.Register("b", engineFactory("b"))
	reg.Register("a", engineFactory("a2"))

	assert.Equal(t, []string{"a", "b"}, reg.Names())

	d, err := reg.Open(nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "a2", d.Name())
}

func TestRegistry_Probe(t *testing.T) {
	reg := NewRegistry()
	reg.Register("hw", failingFactory(ErrInitFailed))
	reg.Register("sw", engineFactory("sw"))

	result := reg.Probe(Options{})

	assert.ErrorIs(t, result["hw"], ErrInitFailed)
	assert.NoError(t, result["sw"])
}
