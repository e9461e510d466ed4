package relay

import "errors"

var (
	// ErrDuplicateClient is returned by Register when the id is already live.
	// Ids are generated server-side, so this indicates an id-generation bug.
	ErrDuplicateClient = errors.New("client already registered")
	// ErrUnknownClient is returned when an operation names a client that is not registered.
	ErrUnknownClient = errors.New("client not registered")
	// ErrOutboxFull is returned by Outbox.Push when the queue is at capacity.
	ErrOutboxFull = errors.New("outbox full")
	// ErrOutboxClosed is returned by Outbox.Push after the session was torn down.
	ErrOutboxClosed = errors.New("outbox closed")
	// ErrSlowConsumer is the teardown reason for a session whose outbox overflowed.
	ErrSlowConsumer = errors.New("slow consumer: outbox overflow")
	// ErrIdleTimeout is the teardown reason for a session that sent nothing
	// within the configured idle timeout.
	ErrIdleTimeout = errors.New("idle timeout")
	// ErrShutdown is the teardown reason used when the server stops.
	ErrShutdown = errors.New("server shutting down")
)
