package relay

import (
	"errors"

	"go.uber.org/zap"
)

// teardown releases everything the session holds, exactly once. It is safe
// to call from any goroutine; only the first reason is kept.
//
// Postcondition: The outbox rejects pushes, the session is absent from the
// registry and from every room, the connection is closed, and the state is
// StateClosed.
func (s *session) teardown(reason error) {
	s.teardownOnce.Do(func() {
		s.advance(StateClosing)
		s.reason = reason

		// Close the outbox first so routers holding a stale snapshot miss.
		_ = s.outbox.Close()
		s.registry.Deregister(s.id)
		if err := s.closeConn(reason); err != nil {
			s.logger.Debug("closing connection", zap.Error(err))
		}
		s.advance(StateClosed)

		fields := []zap.Field{zap.Int64("messages", s.messages.Load())}
		if reason != nil {
			fields = append(fields, zap.NamedError("reason", reason))
		}
		s.logger.Info("session torn down", fields...)
	})
}

// Reason returns the error that caused teardown, or nil for a clean disconnect.
// It is only meaningful once the state is StateClosed.
func (s *session) Reason() error {
	if s.State() != StateClosed {
		return nil
	}
	return s.reason
}

// closeConn closes the connection. A slow consumer's writer is likely blocked,
// so it is aborted rather than sent a close handshake; teardown may be running
// on another session's read loop.
func (s *session) closeConn(reason error) error {
	if a, ok := s.conn.(Aborter); ok && errors.Is(reason, ErrSlowConsumer) {
		return a.Abort()
	}
	return s.conn.Close()
}
