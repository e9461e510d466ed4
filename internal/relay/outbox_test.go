package relay

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/relay/internal/protocol"
)

func TestOutbox_PushAndDrainFIFO(t *testing.T) {
	o := NewOutbox(protocol.NewClientID(), 4)
	require.NoError(t, o.Push([]byte("a")))
	require.NoError(t, o.Push([]byte("b")))
	assert.Equal(t, 2, o.Len())

	assert.Equal(t, "a", string(<-o.Frames()))
	assert.Equal(t, "b", string(<-o.Frames()))
}

func TestOutbox_Full(t *testing.T) {
	o := NewOutbox(protocol.NewClientID(), 1)
	require.NoError(t, o.Push([]byte("a")))
	assert.ErrorIs(t, o.Push([]byte("b")), ErrOutboxFull)
}

func TestOutbox_NonPositiveSizeFallsBackToOne(t *testing.T) {
	o := NewOutbox(protocol.NewClientID(), 0)
	require.NoError(t, o.Push([]byte("a")))
	assert.ErrorIs(t, o.Push([]byte("b")), ErrOutboxFull)
}

func TestOutbox_CloseIsIdempotentAndRejectsPush(t *testing.T) {
	o := NewOutbox(protocol.NewClientID(), 2)
	require.NoError(t, o.Push([]byte("queued")))
	require.NoError(t, o.Close())
	require.NoError(t, o.Close())
	assert.True(t, o.IsClosed())
	assert.ErrorIs(t, o.Push([]byte("late")), ErrOutboxClosed)

	frame, ok := <-o.Frames()
	assert.True(t, ok, "frames queued before close are still drained")
	assert.Equal(t, "queued", string(frame))
	_, ok = <-o.Frames()
	assert.False(t, ok)
}

func TestOutbox_ConcurrentPushAndClose(t *testing.T) {
	o := NewOutbox(protocol.NewClientID(), 8)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = o.Push([]byte("x"))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = o.Close()
	}()
	wg.Wait()
	assert.True(t, o.IsClosed())
}

// Property: an outbox never holds more than its capacity and accepts exactly
// min(pushes, capacity) frames when nothing drains it.
func TestPropertyOutboxBounded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		size := rapid.IntRange(1, 32).Draw(rt, "size")
		pushes := rapid.IntRange(0, 64).Draw(rt, "pushes")
		o := NewOutbox(protocol.NewClientID(), size)

		accepted := 0
		for i := 0; i < pushes; i++ {
			if o.Push([]byte{byte(i)}) == nil {
				accepted++
			}
		}
		want := min(pushes, size)
		if accepted != want || o.Len() != want {
			rt.Fatalf("accepted %d, len %d, want %d", accepted, o.Len(), want)
		}
	})
}
