package relay

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/relay/internal/protocol"
)

func drain(t *testing.T, o *Outbox) []protocol.ServerOperation {
	t.Helper()
	var ops []protocol.ServerOperation
	for o.Len() > 0 {
		op, err := protocol.DecodeServer(<-o.Frames())
		require.NoError(t, err)
		ops = append(ops, op)
	}
	return ops
}

func TestRouter_DeliversToOtherMembers(t *testing.T) {
	reg := NewRegistry()
	router := NewRouter(reg, zaptest.NewLogger(t))
	x := registered(t, reg)
	y := registered(t, reg)
	z := registered(t, reg)
	require.NoError(t, reg.JoinRoom(x.ID, "raid1"))
	require.NoError(t, reg.JoinRoom(y.ID, "raid1"))
	require.NoError(t, reg.JoinRoom(z.ID, "raid2"))

	n := router.Route(x.ID, "raid1", "main", "pull")
	assert.Equal(t, 1, n)

	assert.Empty(t, drain(t, x.Outbox), "sender does not receive its own message")
	assert.Empty(t, drain(t, z.Outbox), "other rooms are untouched")
	assert.Equal(t, []protocol.ServerOperation{
		protocol.RoomMessage{Room: "raid1", Channel: "main", Sender: x.ID, Text: "pull"},
	}, drain(t, y.Outbox))
}

func TestRouter_SenderNeedNotBeMember(t *testing.T) {
	reg := NewRegistry()
	router := NewRouter(reg, zaptest.NewLogger(t))
	x := registered(t, reg)
	y := registered(t, reg)
	require.NoError(t, reg.JoinRoom(y.ID, "raid1"))

	assert.Equal(t, 1, router.Route(x.ID, "raid1", "main", "hello"))
}

func TestRouter_FiltersByChannel(t *testing.T) {
	reg := NewRegistry()
	router := NewRouter(reg, zaptest.NewLogger(t))
	x := registered(t, reg)
	healer := registered(t, reg)
	tank := registered(t, reg)
	require.NoError(t, reg.JoinRoom(x.ID, "raid1"))
	require.NoError(t, reg.SubscribeChannel(healer.ID, "raid1", "heals"))
	require.NoError(t, reg.SubscribeChannel(tank.ID, "raid1", "tanks"))

	assert.Equal(t, 1, router.Route(x.ID, "raid1", "heals", "need heals"))
	assert.Len(t, drain(t, healer.Outbox), 1)
	assert.Empty(t, drain(t, tank.Outbox))
}

func TestRouter_OverflowTearsDownRecipient(t *testing.T) {
	reg := NewRegistry()
	router := NewRouter(reg, zaptest.NewLogger(t))
	x := registered(t, reg)

	var reason atomic.Value
	slow := NewHandle(NewOutbox(protocol.NewClientID(), 1), func(err error) { reason.Store(err) })
	require.NoError(t, reg.Register(slow))
	fast := registered(t, reg)
	for _, h := range []*Handle{x, slow, fast} {
		require.NoError(t, reg.JoinRoom(h.ID, "raid1"))
	}

	assert.Equal(t, 2, router.Route(x.ID, "raid1", "main", "one"))
	assert.Equal(t, 1, router.Route(x.ID, "raid1", "main", "two"))

	assert.Equal(t, ErrSlowConsumer, reason.Load())
	assert.Len(t, drain(t, fast.Outbox), 2, "healthy recipients are unaffected")
}

func TestRouter_SkipsClosedOutbox(t *testing.T) {
	reg := NewRegistry()
	router := NewRouter(reg, zaptest.NewLogger(t))
	x := registered(t, reg)

	tornDown := false
	closing := NewHandle(NewOutbox(protocol.NewClientID(), 4), func(error) { tornDown = true })
	require.NoError(t, reg.Register(closing))
	require.NoError(t, reg.JoinRoom(closing.ID, "raid1"))
	require.NoError(t, closing.Outbox.Close())

	assert.Equal(t, 0, router.Route(x.ID, "raid1", "main", "hello"))
	assert.False(t, tornDown, "a closed outbox is a silent miss")
}
