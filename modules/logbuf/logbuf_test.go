package logbuf

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_WrapsKeepingNewest(t *testing.T) {
	b := New(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		b.Add(Entry{Time: base.Add(time.Duration(i) * time.Second), Message: fmt.Sprint(i)})
	}

	all := b.Since(time.Time{})

	require.Len(t, all, 3)
	assert.Equal(t, "2", all[0].Message)
	assert.Equal(t, "4", all[2].Message)
	assert.Equal(t, 3, b.Len())
}

func TestBuffer_Since(t *testing.T) {
	b := New(0)
	base := time.Now()
	for i := 0; i < 4; i++ {
		b.Add(Entry{Time: base.Add(time.Duration(i) * time.Second), Message: fmt.Sprint(i)})
	}

	got := b.Since(base.Add(time.Second))

	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].Message)
	assert.Equal(t, "3", got[1].Message)
}

func TestHandler_TeesAndExtractsSessionID(t *testing.T) {
	var out bytes.Buffer
	buf := New(10)
	logger := slog.New(NewHandler(slog.NewTextHandler(&out, nil), buf, slog.LevelInfo))

	logger.With("session_id", "s-1").Warn("session: decode failed", "error", errors.New("bad unit"), "unit_bytes", 12)
	logger.Debug("session: ignored")

	entries := buf.Since(time.Time{})
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "WARN", e.Level)
	assert.Equal(t, "session: decode failed", e.Message)
	assert.Equal(t, "s-1", e.SessionID)
	assert.Equal(t, "bad unit", e.Attrs["error"])
	assert.EqualValues(t, 12, e.Attrs["unit_bytes"])

	assert.Contains(t, out.String(), "session: decode failed")
	assert.NotContains(t, out.String(), "ignored")
}

func TestHandler_GroupsPrefixKeys(t *testing.T) {
	buf := New(10)
	logger := slog.New(NewHandler(nil, buf, nil))

	logger.WithGroup("decoder").Info("decoder: engine ready", "subtype", "NV12")

	entries := buf.Since(time.Time{})
	require.Len(t, entries, 1)
	assert.Equal(t, "NV12", entries[0].Attrs["decoder.subtype"])
}
