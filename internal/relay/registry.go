package relay

import (
	"fmt"
	"sync"

	"github.com/samber/lo"

	"github.com/cory-johannsen/relay/internal/protocol"
)

// Handle is the registry's reference to a live session: its outbound queue and
// the function that tears it down. Callers deliver through Outbox and never
// touch the session's internals.
type Handle struct {
	ID     protocol.ClientID
	Outbox *Outbox

	teardown func(reason error)
}

// NewHandle creates a Handle. teardown may be nil for sessions without a connection.
func NewHandle(outbox *Outbox, teardown func(reason error)) *Handle {
	return &Handle{ID: outbox.ID(), Outbox: outbox, teardown: teardown}
}

// Teardown invokes the session's teardown path with the given reason.
func (h *Handle) Teardown(reason error) {
	if h.teardown != nil {
		h.teardown(reason)
	}
}

// channelSet holds a member's channel subscriptions within one room.
// An empty set means the member receives every channel.
type channelSet map[protocol.Channel]struct{}

func (c channelSet) accepts(ch protocol.Channel) bool {
	if len(c) == 0 {
		return true
	}
	_, ok := c[ch]
	return ok
}

// Registry tracks live sessions and room membership.
// All methods are safe for concurrent use; no method performs I/O while
// holding the lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[protocol.ClientID]*Handle
	rooms    map[protocol.Room]map[protocol.ClientID]channelSet
	joined   map[protocol.ClientID]map[protocol.Room]struct{} // reverse index for Deregister
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[protocol.ClientID]*Handle),
		rooms:    make(map[protocol.Room]map[protocol.ClientID]channelSet),
		joined:   make(map[protocol.ClientID]map[protocol.Room]struct{}),
	}
}

// Register inserts a live session.
//
// Precondition: h must be non-nil with a non-nil Outbox.
// Postcondition: The session is visible to Lookup, or ErrDuplicateClient is returned.
func (r *Registry) Register(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[h.ID]; exists {
		return fmt.Errorf("registering %s: %w", h.ID, ErrDuplicateClient)
	}
	r.sessions[h.ID] = h
	return nil
}

// Lookup returns the handle of a live session.
//
// Postcondition: Returns (handle, true) if registered, or (nil, false) otherwise.
func (r *Registry) Lookup(id protocol.ClientID) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sessions[id]
	return h, ok
}

// JoinRoom adds id to room, creating the room if absent. Joining a room the
// client is already in leaves its channel subscriptions unchanged.
//
// Postcondition: id is a member of room, or ErrUnknownClient is returned.
func (r *Registry) JoinRoom(id protocol.ClientID, room protocol.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("joining room %q: %w", room, ErrUnknownClient)
	}
	r.join(id, room)
	return nil
}

// LeaveRoom removes id from room. Leaving a room the client is not in is a no-op.
//
// Postcondition: id is not a member of room; an emptied room is pruned.
func (r *Registry) LeaveRoom(id protocol.ClientID, room protocol.Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leave(id, room)
}

// SubscribeChannel narrows id's delivery in room to include channel, joining
// the room first if needed.
//
// Postcondition: id receives messages on channel in room, or ErrUnknownClient is returned.
func (r *Registry) SubscribeChannel(id protocol.ClientID, room protocol.Room, channel protocol.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("subscribing to %q/%q: %w", room, channel, ErrUnknownClient)
	}
	r.join(id, room)
	r.rooms[room][id][channel] = struct{}{}
	return nil
}

// UnsubscribeChannel drops one channel subscription. Dropping the last one
// returns the member to receiving every channel of the room. Membership in
// the room is unchanged.
func (r *Registry) UnsubscribeChannel(id protocol.ClientID, room protocol.Room, channel protocol.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if subs, ok := r.rooms[room][id]; ok {
		delete(subs, channel)
	}
}

// MembersOf returns a snapshot of the room's members.
//
// Postcondition: Returns a new slice (may be empty); every id in it is registered.
func (r *Registry) MembersOf(room protocol.Room) []protocol.ClientID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.rooms[room])
}

// RoomsOf returns a snapshot of the rooms id belongs to.
func (r *Registry) RoomsOf(id protocol.ClientID) []protocol.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.joined[id])
}

// ChannelsOf returns id's explicit channel subscriptions in room. An empty
// result for a member means it receives every channel.
func (r *Registry) ChannelsOf(id protocol.ClientID, room protocol.Room) []protocol.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.rooms[room][id])
}

// Recipients resolves a (room, channel) pair to the handles that should
// receive a message, excluding the sender. Membership, subscriptions and
// handles are read under one lock so the snapshot is consistent.
//
// Postcondition: Returns handles of registered members of room whose
// subscriptions accept channel, never including exclude.
func (r *Registry) Recipients(room protocol.Room, channel protocol.Channel, exclude protocol.ClientID) []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	out := make([]*Handle, 0, len(members))
	for id, subs := range members {
		if id == exclude || !subs.accepts(channel) {
			continue
		}
		if h, ok := r.sessions[id]; ok {
			out = append(out, h)
		}
	}
	return out
}

// Deregister removes the session and every room membership it holds in one
// critical section. Calling it for an unknown id is a no-op.
//
// Postcondition: id is absent from the session map and from every room.
// Returns true if this call removed the session.
func (r *Registry) Deregister(id protocol.ClientID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, existed := r.sessions[id]
	for room := range r.joined[id] {
		r.leave(id, room)
	}
	delete(r.joined, id)
	delete(r.sessions, id)
	return existed
}

// Sessions returns a snapshot of all live session ids.
func (r *Registry) Sessions() []protocol.ClientID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.sessions)
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// join and leave require r.mu held for writing.

func (r *Registry) join(id protocol.ClientID, room protocol.Room) {
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[protocol.ClientID]channelSet)
		r.rooms[room] = members
	}
	if _, ok := members[id]; !ok {
		members[id] = make(channelSet)
	}
	rooms, ok := r.joined[id]
	if !ok {
		rooms = make(map[protocol.Room]struct{})
		r.joined[id] = rooms
	}
	rooms[room] = struct{}{}
}

func (r *Registry) leave(id protocol.ClientID, room protocol.Room) {
	if members, ok := r.rooms[room]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if rooms, ok := r.joined[id]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.joined, id)
		}
	}
}
