package testutil

import (
	"bufio"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/cory-johannsen/relay/internal/protocol"
)

// RelayClient is a line-protocol test client for integration testing.
type RelayClient struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

// NewRelayClient dials the given address and returns a test client.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected RelayClient or fails the test.
func NewRelayClient(t *testing.T, addr string) *RelayClient {
	t.Helper()
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("relay client connected to %s [%s]", addr, time.Since(start))
	return &RelayClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
		t:      t,
	}
}

// SendRaw writes text followed by a newline, without validating it.
func (c *RelayClient) SendRaw(text string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write([]byte(text + "\n")); err != nil {
		c.t.Fatalf("sending %q: %v", text, err)
	}
}

// Send encodes op in an envelope carrying id (nil for none) and writes it.
func (c *RelayClient) Send(id *protocol.ClientID, op protocol.ClientOperation) {
	c.t.Helper()
	frame, err := protocol.EncodeClient(protocol.ClientEnvelope{ClientID: id, Operation: op})
	if err != nil {
		c.t.Fatalf("encoding %T: %v", op, err)
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(frame); err != nil {
		c.t.Fatalf("sending %T: %v", op, err)
	}
}

// Connect sends ConnectAttempt and returns the id the server approved.
func (c *RelayClient) Connect() protocol.ClientID {
	c.t.Helper()
	c.Send(nil, protocol.ConnectAttempt{})
	op := c.Receive(5 * time.Second)
	approved, ok := op.(protocol.ClientConnectApproved)
	if !ok {
		c.t.Fatalf("expected ClientConnectApproved, got %#v", op)
	}
	return approved.ID
}

// Receive reads and decodes the next server frame or fails on timeout.
func (c *RelayClient) Receive(timeout time.Duration) protocol.ServerOperation {
	c.t.Helper()
	line, err := c.readLine(timeout)
	if err != nil {
		c.t.Fatalf("receiving frame: %v", err)
	}
	op, err := protocol.DecodeServer(line)
	if err != nil {
		c.t.Fatalf("decoding %q: %v", line, err)
	}
	return op
}

// ExpectNothing fails the test if a frame arrives within wait.
func (c *RelayClient) ExpectNothing(wait time.Duration) {
	c.t.Helper()
	line, err := c.readLine(wait)
	if err == nil {
		c.t.Fatalf("expected no frame, got %q", line)
	}
	if !isTimeout(err) {
		c.t.Fatalf("expected read timeout, got %v", err)
	}
}

// ExpectClosed fails the test unless the server closes the connection within timeout.
func (c *RelayClient) ExpectClosed(timeout time.Duration) {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		_, err := c.readLine(time.Until(deadline))
		if err == nil {
			continue
		}
		if isTimeout(err) {
			c.t.Fatalf("connection still open after %s", timeout)
		}
		return
	}
}

// Close closes the underlying connection.
func (c *RelayClient) Close() {
	c.conn.Close()
}

func (c *RelayClient) readLine(timeout time.Duration) ([]byte, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	return c.reader.ReadBytes(protocol.Delimiter)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
