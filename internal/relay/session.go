package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/protocol"
)

// State is a session's lifecycle stage. Transitions only move forward.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// FrameConn is a framed, bidirectional client connection. ReadFrame returns
// one frame without its delimiter; WriteFrame writes an encoded frame.
// ReadFrame and WriteFrame may be called concurrently with each other, and
// Close unblocks both.
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
	RemoteAddr() net.Addr
}

// Aborter is implemented by connections whose Close performs a handshake
// that can wait on a blocked writer. Abort closes without it.
type Aborter interface {
	Abort() error
}

// session is the server-side state of one connection.
type session struct {
	id       protocol.ClientID
	conn     FrameConn
	outbox   *Outbox
	registry *Registry
	router   *Router
	logger   *zap.Logger

	state    atomic.Int32
	messages atomic.Int64

	teardownOnce sync.Once
	reason       error
}

func (s *session) State() State {
	return State(s.state.Load())
}

// advance moves the session forward to next; it never moves backward.
func (s *session) advance(next State) {
	for {
		cur := s.state.Load()
		if State(cur) >= next || s.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func (s *session) handle() *Handle {
	return NewHandle(s.outbox, s.teardown)
}

// readLoop decodes frames in arrival order and applies them until the
// connection ends, the client disconnects, or a frame is rejected.
// Every exit path runs teardown.
func (s *session) readLoop(ctx context.Context) error {
	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			if s.State() >= StateClosing || ctx.Err() != nil {
				s.teardown(ErrShutdown)
				return nil
			}
			reason := classifyReadError(err)
			s.teardown(reason)
			if errors.Is(reason, io.EOF) {
				return nil
			}
			return reason
		}
		if len(bytes.TrimSpace(frame)) == 0 {
			continue
		}

		env, err := protocol.DecodeClient(frame)
		if err != nil {
			s.logger.Warn("rejecting frame", zap.Error(err))
			s.advance(StateClosing)
			s.teardown(err)
			return err
		}
		if env.ClientID != nil && *env.ClientID != s.id {
			s.logger.Warn("client id in envelope does not match session",
				zap.Stringer("claimed_id", *env.ClientID),
			)
		}
		if done := s.apply(env.Operation); done {
			return nil
		}
	}
}

// apply performs one client operation. It reports true when the session ended.
func (s *session) apply(op protocol.ClientOperation) bool {
	switch o := op.(type) {
	case protocol.ConnectAttempt:
		s.reply(protocol.ClientConnectApproved{ID: s.id})
	case protocol.RoomJoin:
		if err := s.registry.JoinRoom(s.id, o.Room); err != nil {
			s.logger.Warn("joining room", zap.String("room", string(o.Room)), zap.Error(err))
			return false
		}
		s.logger.Debug("joined room", zap.String("room", string(o.Room)))
	case protocol.RoomLeave:
		s.registry.LeaveRoom(s.id, o.Room)
		s.logger.Debug("left room", zap.String("room", string(o.Room)))
	case protocol.ChannelJoin:
		if err := s.registry.SubscribeChannel(s.id, o.Room, o.Channel); err != nil {
			s.logger.Warn("subscribing to channel",
				zap.String("room", string(o.Room)),
				zap.String("channel", string(o.Channel)),
				zap.Error(err),
			)
			return false
		}
		s.logger.Debug("subscribed to channel",
			zap.String("room", string(o.Room)),
			zap.String("channel", string(o.Channel)),
		)
	case protocol.ChannelLeave:
		s.registry.UnsubscribeChannel(s.id, o.Room, o.Channel)
	case protocol.Message:
		s.messages.Add(1)
		n := s.router.Route(s.id, o.Room, o.Channel, o.Text)
		s.logger.Info("message relayed",
			zap.String("room", string(o.Room)),
			zap.String("channel", string(o.Channel)),
			zap.Int("recipients", n),
		)
	case protocol.Disconnect:
		s.advance(StateClosing)
		s.teardown(nil)
		return true
	default:
		s.logger.Error("unhandled client operation", zap.String("type", fmt.Sprintf("%T", op)))
	}
	return false
}

// reply enqueues a frame for this session only.
func (s *session) reply(op protocol.ServerOperation) {
	frame, err := protocol.EncodeServer(op)
	if err != nil {
		s.logger.Error("encoding reply", zap.Error(err))
		return
	}
	if err := s.outbox.Push(frame); errors.Is(err, ErrOutboxFull) {
		s.teardown(ErrSlowConsumer)
	}
}

// classifyReadError maps a transport read failure to a teardown reason.
func classifyReadError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return io.EOF
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrIdleTimeout
	}
	if protocol.IsProtocolError(err) {
		return err
	}
	return fmt.Errorf("reading frame: %w", err)
}
