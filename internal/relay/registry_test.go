package relay

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/relay/internal/protocol"
)

func newTestHandle(size int) *Handle {
	return NewHandle(NewOutbox(protocol.NewClientID(), size), nil)
}

func registered(t *testing.T, r *Registry) *Handle {
	t.Helper()
	h := newTestHandle(8)
	require.NoError(t, r.Register(h))
	return h
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	h := registered(t, r)

	got, ok := r.Lookup(h.ID)
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, 1, r.SessionCount())

	_, ok = r.Lookup(protocol.NewClientID())
	assert.False(t, ok)
}

func TestRegistry_DuplicateRegister(t *testing.T) {
	r := NewRegistry()
	h := registered(t, r)

	err := r.Register(NewHandle(NewOutbox(h.ID, 1), nil))
	assert.ErrorIs(t, err, ErrDuplicateClient)

	got, _ := r.Lookup(h.ID)
	assert.Same(t, h, got, "original registration must be untouched")
}

func TestRegistry_JoinRoomRequiresRegistration(t *testing.T) {
	r := NewRegistry()
	err := r.JoinRoom(protocol.NewClientID(), "raid1")
	assert.ErrorIs(t, err, ErrUnknownClient)
	assert.Zero(t, r.RoomCount())
}

func TestRegistry_JoinLeaveIdempotent(t *testing.T) {
	r := NewRegistry()
	h := registered(t, r)

	require.NoError(t, r.JoinRoom(h.ID, "raid1"))
	require.NoError(t, r.JoinRoom(h.ID, "raid1"))
	assert.Equal(t, []protocol.ClientID{h.ID}, r.MembersOf("raid1"))
	assert.Equal(t, []protocol.Room{"raid1"}, r.RoomsOf(h.ID))

	r.LeaveRoom(h.ID, "raid1")
	r.LeaveRoom(h.ID, "raid1")
	r.LeaveRoom(h.ID, "never-joined")
	assert.Empty(t, r.MembersOf("raid1"))
	assert.Empty(t, r.RoomsOf(h.ID))
	assert.Zero(t, r.RoomCount(), "empty rooms are pruned")
}

func TestRegistry_EmptyRoomName(t *testing.T) {
	r := NewRegistry()
	h := registered(t, r)
	require.NoError(t, r.JoinRoom(h.ID, ""))
	assert.Equal(t, []protocol.ClientID{h.ID}, r.MembersOf(""))
}

func TestRegistry_SubscribeChannelJoinsRoom(t *testing.T) {
	r := NewRegistry()
	h := registered(t, r)

	require.NoError(t, r.SubscribeChannel(h.ID, "raid1", "heals"))
	assert.Equal(t, []protocol.ClientID{h.ID}, r.MembersOf("raid1"))
	assert.Equal(t, []protocol.Channel{"heals"}, r.ChannelsOf(h.ID, "raid1"))

	assert.ErrorIs(t, r.SubscribeChannel(protocol.NewClientID(), "raid1", "heals"), ErrUnknownClient)
}

func TestRegistry_RejoinKeepsSubscriptions(t *testing.T) {
	r := NewRegistry()
	h := registered(t, r)
	require.NoError(t, r.SubscribeChannel(h.ID, "raid1", "heals"))
	require.NoError(t, r.JoinRoom(h.ID, "raid1"))
	assert.Equal(t, []protocol.Channel{"heals"}, r.ChannelsOf(h.ID, "raid1"))
}

func TestRegistry_RecipientsFiltersByChannel(t *testing.T) {
	r := NewRegistry()
	sender := registered(t, r)
	all := registered(t, r)
	heals := registered(t, r)
	tanks := registered(t, r)
	outsider := registered(t, r)

	require.NoError(t, r.JoinRoom(sender.ID, "raid1"))
	require.NoError(t, r.JoinRoom(all.ID, "raid1"))
	require.NoError(t, r.SubscribeChannel(heals.ID, "raid1", "heals"))
	require.NoError(t, r.SubscribeChannel(tanks.ID, "raid1", "tanks"))
	require.NoError(t, r.JoinRoom(outsider.ID, "raid2"))

	ids := func(hs []*Handle) []protocol.ClientID {
		out := make([]protocol.ClientID, 0, len(hs))
		for _, h := range hs {
			out = append(out, h.ID)
		}
		return out
	}

	assert.ElementsMatch(t, []protocol.ClientID{all.ID, heals.ID}, ids(r.Recipients("raid1", "heals", sender.ID)))
	assert.ElementsMatch(t, []protocol.ClientID{all.ID, tanks.ID}, ids(r.Recipients("raid1", "tanks", sender.ID)))
	assert.ElementsMatch(t, []protocol.ClientID{all.ID}, ids(r.Recipients("raid1", "main", sender.ID)))
	assert.ElementsMatch(t, []protocol.ClientID{sender.ID, all.ID}, ids(r.Recipients("raid1", "main", heals.ID)))
	assert.Empty(t, r.Recipients("nowhere", "main", sender.ID))
}

func TestRegistry_UnsubscribeLastChannelRevertsToAll(t *testing.T) {
	r := NewRegistry()
	sender := registered(t, r)
	h := registered(t, r)
	require.NoError(t, r.JoinRoom(sender.ID, "raid1"))
	require.NoError(t, r.SubscribeChannel(h.ID, "raid1", "heals"))
	require.NoError(t, r.SubscribeChannel(h.ID, "raid1", "tanks"))

	r.UnsubscribeChannel(h.ID, "raid1", "heals")
	assert.Empty(t, r.Recipients("raid1", "heals", sender.ID))
	assert.Len(t, r.Recipients("raid1", "tanks", sender.ID), 1)

	r.UnsubscribeChannel(h.ID, "raid1", "tanks")
	assert.Len(t, r.Recipients("raid1", "anything", sender.ID), 1)
	assert.ElementsMatch(t, []protocol.ClientID{sender.ID, h.ID}, r.MembersOf("raid1"))
}

func TestRegistry_DeregisterRemovesEverything(t *testing.T) {
	r := NewRegistry()
	h := registered(t, r)
	other := registered(t, r)
	require.NoError(t, r.JoinRoom(h.ID, "raid1"))
	require.NoError(t, r.JoinRoom(h.ID, "raid2"))
	require.NoError(t, r.SubscribeChannel(h.ID, "raid3", "heals"))
	require.NoError(t, r.JoinRoom(other.ID, "raid1"))

	assert.True(t, r.Deregister(h.ID))
	assert.False(t, r.Deregister(h.ID), "second deregister is a no-op")

	_, ok := r.Lookup(h.ID)
	assert.False(t, ok)
	assert.Empty(t, r.RoomsOf(h.ID))
	assert.Equal(t, []protocol.ClientID{other.ID}, r.MembersOf("raid1"))
	assert.Equal(t, 1, r.RoomCount())
	assert.Equal(t, 1, r.SessionCount())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := newTestHandle(1)
			if err := r.Register(h); err != nil {
				t.Error(err)
				return
			}
			for j := 0; j < 20; j++ {
				_ = r.JoinRoom(h.ID, "shared")
				_ = r.Recipients("shared", "main", h.ID)
				r.LeaveRoom(h.ID, "shared")
			}
			_ = r.JoinRoom(h.ID, "shared")
			r.Deregister(h.ID)
		}()
	}
	wg.Wait()

	assert.Zero(t, r.SessionCount())
	assert.Zero(t, r.RoomCount())
}

// Property: for any sequence of operations, every room member is a live
// session, RoomsOf mirrors MembersOf, and deregistered ids leave no trace.
func TestPropertyRegistryMembershipSoundness(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := NewRegistry()
		pool := make([]protocol.ClientID, rapid.IntRange(1, 5).Draw(rt, "clients"))
		for i := range pool {
			pool[i] = protocol.NewClientID()
		}
		rooms := []protocol.Room{"a", "b", "c"}
		channels := []protocol.Channel{"x", "y"}
		gone := make(map[protocol.ClientID]bool)

		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.SampledFrom(pool).Draw(rt, "id")
			room := rapid.SampledFrom(rooms).Draw(rt, "room")
			channel := rapid.SampledFrom(channels).Draw(rt, "channel")

			switch rapid.SampledFrom([]string{"register", "join", "leave", "sub", "unsub", "deregister"}).Draw(rt, "op") {
			case "register":
				if err := r.Register(NewHandle(NewOutbox(id, 1), nil)); err == nil {
					delete(gone, id)
				}
			case "join":
				_ = r.JoinRoom(id, room)
			case "leave":
				r.LeaveRoom(id, room)
			case "sub":
				_ = r.SubscribeChannel(id, room, channel)
			case "unsub":
				r.UnsubscribeChannel(id, room, channel)
			case "deregister":
				r.Deregister(id)
				gone[id] = true
			}

			live := make(map[protocol.ClientID]bool)
			for _, s := range r.Sessions() {
				live[s] = true
			}
			for _, room := range rooms {
				for _, m := range r.MembersOf(room) {
					if !live[m] {
						rt.Fatalf("room %q holds dead client %s", room, m)
					}
					found := false
					for _, joined := range r.RoomsOf(m) {
						found = found || joined == room
					}
					if !found {
						rt.Fatalf("RoomsOf(%s) is missing %q", m, room)
					}
				}
			}
			for id := range gone {
				if len(r.RoomsOf(id)) != 0 {
					rt.Fatalf("deregistered %s still in rooms %v", id, r.RoomsOf(id))
				}
			}
		}
	})
}
