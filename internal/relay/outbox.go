// Package relay implements the room relay core: the session registry, the
// per-connection read loop and outbound dispatcher, the broadcast router and
// the idempotent teardown path.
package relay

import (
	"sync"

	"github.com/cory-johannsen/relay/internal/protocol"
)

// Outbox is a session's bounded outbound frame queue. Producers (the router
// and the session itself) never block on it; the session's dispatcher is its
// only consumer.
type Outbox struct {
	id     protocol.ClientID
	frames chan []byte
	mu     sync.Mutex
	closed bool
}

// NewOutbox creates an Outbox for the given client.
//
// Precondition: size should be >= 1; smaller values fall back to 1.
// Postcondition: Returns an open Outbox.
func NewOutbox(id protocol.ClientID, size int) *Outbox {
	if size <= 0 {
		size = 1
	}
	return &Outbox{
		id:     id,
		frames: make(chan []byte, size),
	}
}

// ID returns the owning client's identifier.
func (o *Outbox) ID() protocol.ClientID {
	return o.id
}

// Push enqueues a frame without blocking.
//
// Postcondition: The frame is queued, or ErrOutboxClosed / ErrOutboxFull is returned.
func (o *Outbox) Push(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrOutboxClosed
	}
	select {
	case o.frames <- frame:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Frames returns the receive side of the queue. It is closed by Close.
func (o *Outbox) Frames() <-chan []byte {
	return o.frames
}

// Len returns the number of queued frames.
func (o *Outbox) Len() int {
	return len(o.frames)
}

// Close marks the outbox undeliverable and closes the frames channel.
// Calling Close more than once is a no-op.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.frames)
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (o *Outbox) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
