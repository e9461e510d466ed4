package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Operation tags as they appear on the wire.
const (
	TagConnectAttempt         = "ConnectAttempt"
	TagRoomJoin               = "RoomJoin"
	TagRoomLeave              = "RoomLeave"
	TagChannelJoin            = "ChannelJoin"
	TagChannelLeave           = "ChannelLeave"
	TagDisconnect             = "Disconnect"
	TagMessage                = "Message"
	TagClientConnectApproved  = "ClientConnectApproved"
	TagRequestCurrentTaskStep = "RequestCurrentTaskStep"
	TagRoomMessage            = "RoomMessage"
)

// Delimiter terminates every frame.
const Delimiter = '\n'

type wireClientEnvelope struct {
	ClientID        *ClientID       `json:"clientId"`
	ClientOperation json.RawMessage `json:"clientOperation"`
}

// EncodeClient renders env as one newline-terminated frame.
//
// Precondition: env.Operation must be non-nil.
// Postcondition: Returns JSON followed by a single '\n', or an error.
func EncodeClient(env ClientEnvelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append(data, Delimiter), nil
}

// DecodeClient parses one client frame. Surrounding whitespace, including the
// trailing "\r\n" or "\n", is ignored.
//
// Postcondition: Returns the envelope, or an error matching ErrMalformedFrame
// or ErrUnknownOperation via errors.Is.
func DecodeClient(frame []byte) (ClientEnvelope, error) {
	var env ClientEnvelope
	if err := env.decode(bytes.TrimSpace(frame)); err != nil {
		return ClientEnvelope{}, err
	}
	return env, nil
}

// EncodeServer renders op as one newline-terminated frame.
func EncodeServer(op ServerOperation) ([]byte, error) {
	v, err := serverValue(op)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, Delimiter), nil
}

// DecodeServer parses one server frame.
func DecodeServer(frame []byte) (ServerOperation, error) {
	tag, payload, err := splitTagged(bytes.TrimSpace(frame))
	if err != nil {
		return nil, err
	}

	switch tag {
	case TagClientConnectApproved:
		var id ClientID
		if err := decodePayload(tag, payload, &id); err != nil {
			return nil, err
		}
		return ClientConnectApproved{ID: id}, nil
	case TagRequestCurrentTaskStep:
		if !isUnit(payload) {
			return nil, malformed(tag + " takes no payload")
		}
		return RequestCurrentTaskStep{}, nil
	case TagRoomMessage:
		var p struct {
			Room    *Room    `json:"room"`
			Channel *Channel `json:"channel"`
			Sender  ClientID `json:"sender"`
			Text    *string  `json:"message"`
		}
		if err := decodePayload(tag, payload, &p); err != nil {
			return nil, err
		}
		if p.Room == nil || p.Channel == nil || p.Text == nil {
			return nil, malformed(tag + " requires room, channel and message")
		}
		return RoomMessage{Room: *p.Room, Channel: *p.Channel, Sender: p.Sender, Text: *p.Text}, nil
	default:
		return nil, unknown(tag)
	}
}

// MarshalJSON implements json.Marshaler.
func (e ClientEnvelope) MarshalJSON() ([]byte, error) {
	v, err := clientValue(e.Operation)
	if err != nil {
		return nil, err
	}
	op, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireClientEnvelope{ClientID: e.ClientID, ClientOperation: op})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *ClientEnvelope) UnmarshalJSON(data []byte) error {
	return e.decode(data)
}

func (e *ClientEnvelope) decode(data []byte) error {
	if len(data) == 0 {
		return malformed("empty frame")
	}
	var w wireClientEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return malformed(err.Error())
	}
	if isUnit(w.ClientOperation) {
		return malformed("missing clientOperation")
	}
	op, err := decodeClientOperation(w.ClientOperation)
	if err != nil {
		return err
	}
	e.ClientID = w.ClientID
	e.Operation = op
	return nil
}

func decodeClientOperation(raw json.RawMessage) (ClientOperation, error) {
	tag, payload, err := splitTagged(raw)
	if err != nil {
		return nil, err
	}

	switch tag {
	case TagConnectAttempt, TagDisconnect:
		if !isUnit(payload) {
			return nil, malformed(tag + " takes no payload")
		}
		if tag == TagConnectAttempt {
			return ConnectAttempt{}, nil
		}
		return Disconnect{}, nil
	case TagRoomJoin, TagRoomLeave:
		var room Room
		if err := decodePayload(tag, payload, &room); err != nil {
			return nil, err
		}
		if tag == TagRoomJoin {
			return RoomJoin{Room: room}, nil
		}
		return RoomLeave{Room: room}, nil
	case TagChannelJoin, TagChannelLeave:
		var p struct {
			Room    *Room    `json:"room"`
			Channel *Channel `json:"channel"`
		}
		if err := decodePayload(tag, payload, &p); err != nil {
			return nil, err
		}
		if p.Room == nil || p.Channel == nil {
			return nil, malformed(tag + " requires room and channel")
		}
		if tag == TagChannelJoin {
			return ChannelJoin{Room: *p.Room, Channel: *p.Channel}, nil
		}
		return ChannelLeave{Room: *p.Room, Channel: *p.Channel}, nil
	case TagMessage:
		var p struct {
			Room    *Room    `json:"room"`
			Channel *Channel `json:"channel"`
			Text    *string  `json:"message"`
		}
		if err := decodePayload(tag, payload, &p); err != nil {
			return nil, err
		}
		if p.Room == nil || p.Channel == nil || p.Text == nil {
			return nil, malformed(tag + " requires room, channel and message")
		}
		return Message{Room: *p.Room, Channel: *p.Channel, Text: *p.Text}, nil
	default:
		return nil, unknown(tag)
	}
}

func clientValue(op ClientOperation) (any, error) {
	switch o := op.(type) {
	case ConnectAttempt:
		return TagConnectAttempt, nil
	case Disconnect:
		return TagDisconnect, nil
	case RoomJoin:
		return map[string]Room{TagRoomJoin: o.Room}, nil
	case RoomLeave:
		return map[string]Room{TagRoomLeave: o.Room}, nil
	case ChannelJoin:
		return map[string]ChannelJoin{TagChannelJoin: o}, nil
	case ChannelLeave:
		return map[string]ChannelLeave{TagChannelLeave: o}, nil
	case Message:
		return map[string]Message{TagMessage: o}, nil
	case nil:
		return nil, fmt.Errorf("encoding client operation: nil operation")
	default:
		return nil, fmt.Errorf("encoding client operation: unsupported type %T", op)
	}
}

func serverValue(op ServerOperation) (any, error) {
	switch o := op.(type) {
	case ClientConnectApproved:
		return map[string]ClientID{TagClientConnectApproved: o.ID}, nil
	case RequestCurrentTaskStep:
		return TagRequestCurrentTaskStep, nil
	case RoomMessage:
		return map[string]RoomMessage{TagRoomMessage: o}, nil
	case nil:
		return nil, fmt.Errorf("encoding server operation: nil operation")
	default:
		return nil, fmt.Errorf("encoding server operation: unsupported type %T", op)
	}
}

// splitTagged separates an externally tagged value into its tag and payload.
// A bare string yields a nil payload.
func splitTagged(raw json.RawMessage) (string, json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", nil, malformed("empty operation")
	}

	switch raw[0] {
	case '"':
		var tag string
		if err := json.Unmarshal(raw, &tag); err != nil {
			return "", nil, malformed(err.Error())
		}
		return tag, nil, nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", nil, malformed(err.Error())
		}
		if len(obj) != 1 {
			return "", nil, malformed(fmt.Sprintf("operation must have exactly one tag, got %d", len(obj)))
		}
		for tag, payload := range obj {
			return tag, payload, nil
		}
	}
	return "", nil, malformed("operation must be a string or an object")
}

func decodePayload(tag string, payload json.RawMessage, dst any) error {
	if isUnit(payload) {
		return malformed(tag + " requires a payload")
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return malformed(fmt.Sprintf("%s payload: %v", tag, err))
	}
	return nil
}

// isUnit reports whether a payload is absent or JSON null.
func isUnit(payload json.RawMessage) bool {
	p := bytes.TrimSpace(payload)
	return len(p) == 0 || bytes.Equal(p, []byte("null"))
}
