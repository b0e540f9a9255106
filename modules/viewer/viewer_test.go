package viewer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/decoder"
)

func frame(seq uint64) *decoder.Frame {
	f := decoder.NewFrame(2, 2, make([]byte, 16))
	f.Seq = seq
	return f
}

// TestLatest_DropOldKeepsNewest validates the mailbox semantics: a slow
// viewer always receives the most recent frame.
func TestLatest_DropOldKeepsNewest(t *testing.T) {
	l := NewLatest()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, l.Push(frame(i)))
	}

	f := l.Receive()
	require.NotNil(t, f)
	assert.Equal(t, uint64(5), f.Seq)
	f.Release()

	stats := l.Stats()
	assert.Equal(t, uint64(5), stats.Pushed)
	assert.Equal(t, uint64(4), stats.Dropped)
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Equal(t, uint64(0), stats.ConsecutiveDrops, "reset on consume")
	assert.Equal(t, uint64(5), stats.LastDeliveredSeq)

	_, ok := l.TryReceive()
	assert.False(t, ok, "slot consumed")
}

func TestLatest_ReceiveBlocksUntilPush(t *testing.T) {
	l := NewLatest()
	got := make(chan uint64, 1)

	go func() {
		f := l.Receive()
		got <- f.Seq
		f.Release()
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, l.Push(frame(42)))

	select {
	case seq := <-got:
		assert.Equal(t, uint64(42), seq)
	case <-time.After(time.Second):
		t.Fatal("receiver not woken")
	}
}

func TestLatest_CloseUnblocksReceiver(t *testing.T) {
	l := NewLatest()
	var wg sync.WaitGroup
	wg.Add(1)

	var f *decoder.Frame
	go func() {
		defer wg.Done()
		f = l.Receive()
	}()

	time.Sleep(10 * time.Millisecond)
	l.Close()
	wg.Wait()

	assert.Nil(t, f)
	assert.ErrorIs(t, l.Push(frame(1)), ErrSinkClosed)
	l.Close() // idempotent
}

func TestChan_DropNewWhenFull(t *testing.T) {
	c := NewChan(2)
	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, c.Push(frame(i)))
	}

	first := <-c.C()
	second := <-c.C()
	assert.Equal(t, uint64(1), first.Seq, "oldest frames kept, newest dropped")
	assert.Equal(t, uint64(2), second.Seq)
	first.Release()
	second.Release()

	stats := c.Stats()
	assert.Equal(t, uint64(4), stats.Pushed)
	assert.Equal(t, uint64(2), stats.Dropped)

	c.Close()
	_, open := <-c.C()
	assert.False(t, open)
	assert.ErrorIs(t, c.Push(frame(9)), ErrSinkClosed)
}

func TestFunc_Synchronous(t *testing.T) {
	var seen []uint64
	var sink Sink = Func(func(f *decoder.Frame) error {
		seen = append(seen, f.Seq)
		return nil
	})

	require.NoError(t, sink.Push(frame(1)))
	require.NoError(t, sink.Push(frame(2)))
	sink.Close()

	assert.Equal(t, []uint64{1, 2}, seen)
}
