package websocket

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/relay/internal/protocol"
)

const closeGrace = time.Second

// Conn adapts a WebSocket connection to newline-framed relay frames.
// Each text or binary message is exactly one frame.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex

	idleTimeout   time.Duration
	writeTimeout  time.Duration
	maxFrameBytes int
}

// NewConn wraps an upgraded WebSocket connection.
//
// Precondition: ws must be open; maxFrameBytes must be > 0.
func NewConn(ws *websocket.Conn, idleTimeout, writeTimeout time.Duration, maxFrameBytes int) *Conn {
	// room for a trailing "\r\n" some clients send
	ws.SetReadLimit(int64(maxFrameBytes) + 2)
	return &Conn{
		ws:            ws,
		idleTimeout:   idleTimeout,
		writeTimeout:  writeTimeout,
		maxFrameBytes: maxFrameBytes,
	}
}

// ReadFrame reads the next message.
//
// Postcondition: Returns the frame without trailing line terminators, io.EOF
// when the peer closed normally, or an error matching protocol.ErrFrameTooLong.
func (c *Conn) ReadFrame() ([]byte, error) {
	if c.idleTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		switch {
		case errors.Is(err, websocket.ErrReadLimit):
			return nil, protocol.TooLong(c.maxFrameBytes)
		case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
			return nil, io.EOF
		}
		return nil, err
	}
	frame := bytes.TrimRight(data, "\r\n")
	if len(frame) > c.maxFrameBytes {
		return nil, protocol.TooLong(c.maxFrameBytes)
	}
	return frame, nil
}

// WriteFrame sends one encoded frame as a text message. The trailing
// delimiter is dropped since the message boundary already frames it.
func (c *Conn) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, bytes.TrimSuffix(frame, []byte{protocol.Delimiter}))
}

// Close sends a best-effort close message and closes the connection.
//
// Postcondition: The connection is closed and pending reads and writes return.
func (c *Conn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	return c.ws.Close()
}

// Abort closes the connection without a close message. It never waits on a
// blocked writer.
func (c *Conn) Abort() error {
	return c.ws.Close()
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}
