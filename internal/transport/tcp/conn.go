package tcp

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cory-johannsen/relay/internal/protocol"
)

const readBufferSize = 4096

// Conn wraps a TCP connection with newline framing.
// Reads apply the idle deadline; writes are serialized and apply the write deadline.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader
	mu     sync.Mutex

	idleTimeout   time.Duration
	writeTimeout  time.Duration
	maxFrameBytes int
}

// NewConn wraps a raw TCP connection.
//
// Precondition: raw must be a valid, open network connection; maxFrameBytes must be > 0.
// Postcondition: Returns a Conn ready for reading and writing.
func NewConn(raw net.Conn, idleTimeout, writeTimeout time.Duration, maxFrameBytes int) *Conn {
	return &Conn{
		raw:           raw,
		reader:        bufio.NewReaderSize(raw, readBufferSize),
		idleTimeout:   idleTimeout,
		writeTimeout:  writeTimeout,
		maxFrameBytes: maxFrameBytes,
	}
}

// ReadFrame reads one newline-terminated frame. The returned frame does not
// include the trailing "\n" or "\r\n" and is owned by the caller.
//
// Postcondition: Returns the next frame, or an error. A frame longer than
// maxFrameBytes yields an error matching protocol.ErrFrameTooLong; a stream
// that ends mid-frame yields io.ErrUnexpectedEOF.
func (c *Conn) ReadFrame() ([]byte, error) {
	if c.idleTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}

	var frame []byte
	for {
		chunk, err := c.reader.ReadSlice(protocol.Delimiter)
		frame = append(frame, chunk...)
		switch {
		case err == nil:
			frame = bytes.TrimSuffix(frame[:len(frame)-1], []byte{'\r'})
			if len(frame) > c.maxFrameBytes {
				return nil, protocol.TooLong(c.maxFrameBytes)
			}
			return frame, nil
		case errors.Is(err, bufio.ErrBufferFull):
			// +1 leaves room for a '\r' that is stripped later
			if len(frame) > c.maxFrameBytes+1 {
				return nil, protocol.TooLong(c.maxFrameBytes)
			}
		case errors.Is(err, io.EOF) && len(frame) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

// WriteFrame writes an encoded frame. The frame must already carry its delimiter.
//
// Postcondition: The frame is written to the connection, or an error is returned.
func (c *Conn) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.raw.Write(frame)
	return err
}

// Close closes the underlying TCP connection, unblocking any pending read or write.
//
// Postcondition: The connection is closed and no longer usable.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// RemoteAddr returns the remote network address of the client.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}
