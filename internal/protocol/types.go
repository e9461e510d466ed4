// Package protocol defines the relay wire protocol: client and server
// operations, the client envelope, and their newline-framed JSON encoding.
//
// Operations use external tagging: the variant name is the JSON key.
// Unit variants encode as a bare string ("Disconnect"); payload variants
// encode as a single-key object ({"RoomJoin": "raid1"}).
package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// ClientID is the server-assigned identifier of a session.
type ClientID uuid.UUID

// NilClientID is the zero identifier; it is never assigned to a session.
var NilClientID ClientID

// NewClientID returns a fresh random (v4) identifier.
//
// Postcondition: The result is never NilClientID.
func NewClientID() ClientID {
	return ClientID(uuid.New())
}

// ParseClientID parses the canonical textual form of an identifier.
func ParseClientID(s string) (ClientID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilClientID, fmt.Errorf("parsing client id %q: %w", s, err)
	}
	return ClientID(u), nil
}

// String returns the canonical uuid form.
func (c ClientID) String() string {
	return uuid.UUID(c).String()
}

// MarshalText implements encoding.TextMarshaler.
func (c ClientID) MarshalText() ([]byte, error) {
	return uuid.UUID(c).MarshalText()
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ClientID) UnmarshalText(data []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(data); err != nil {
		return err
	}
	*c = ClientID(u)
	return nil
}

// Room names a group of clients. Any string, including empty, is a valid room.
type Room string

// Channel names a sub-address within a room.
type Channel string

// ClientOperation is one of the operations a client may request.
// The set of implementations is closed: ConnectAttempt, RoomJoin, RoomLeave,
// ChannelJoin, ChannelLeave, Disconnect, Message.
type ClientOperation interface {
	clientOperation()
}

// ConnectAttempt asks the server to confirm the connection and report the assigned id.
type ConnectAttempt struct{}

// RoomJoin adds the sender to a room.
type RoomJoin struct {
	Room Room
}

// RoomLeave removes the sender from a room.
type RoomLeave struct {
	Room Room
}

// ChannelJoin subscribes the sender to one channel of a room, joining the room if needed.
type ChannelJoin struct {
	Room    Room    `json:"room"`
	Channel Channel `json:"channel"`
}

// ChannelLeave drops one channel subscription within a room.
type ChannelLeave struct {
	Room    Room    `json:"room"`
	Channel Channel `json:"channel"`
}

// Disconnect asks the server to end the session.
type Disconnect struct{}

// Message is a text payload addressed to a (room, channel) pair.
type Message struct {
	Room    Room    `json:"room"`
	Channel Channel `json:"channel"`
	Text    string  `json:"message"`
}

func (ConnectAttempt) clientOperation() {}
func (RoomJoin) clientOperation()       {}
func (RoomLeave) clientOperation()      {}
func (ChannelJoin) clientOperation()    {}
func (ChannelLeave) clientOperation()   {}
func (Disconnect) clientOperation()     {}
func (Message) clientOperation()        {}

// ClientEnvelope is one client-to-server frame.
type ClientEnvelope struct {
	// ClientID is the id the client believes it holds; nil before ConnectAttempt.
	// The server never derives identity from it.
	ClientID  *ClientID
	Operation ClientOperation
}

// ServerOperation is one of the frames the server sends to a client.
// The set of implementations is closed: ClientConnectApproved,
// RequestCurrentTaskStep, RoomMessage.
type ServerOperation interface {
	serverOperation()
}

// ClientConnectApproved carries the id assigned to the connection.
type ClientConnectApproved struct {
	ID ClientID
}

// RequestCurrentTaskStep is reserved; no handler emits it yet.
type RequestCurrentTaskStep struct{}

// RoomMessage is a message fanned out to a room member.
type RoomMessage struct {
	Room    Room     `json:"room"`
	Channel Channel  `json:"channel"`
	Sender  ClientID `json:"sender"`
	Text    string   `json:"message"`
}

func (ClientConnectApproved) serverOperation()  {}
func (RequestCurrentTaskStep) serverOperation() {}
func (RoomMessage) serverOperation()            {}
