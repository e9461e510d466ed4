package relay

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/relay/internal/config"
	"github.com/cory-johannsen/relay/internal/observability"
	"github.com/cory-johannsen/relay/internal/protocol"
)

const auditTimeout = 5 * time.Second

// SessionRecord describes one session for the audit trail.
type SessionRecord struct {
	ID         protocol.ClientID
	RemoteAddr string
	OpenedAt   time.Time
	// ClosedAt, Reason and Messages are set only when the session closes.
	ClosedAt time.Time
	Reason   string
	Messages int64
}

// AuditSink records session open and close events.
// Implementations must be safe for concurrent use.
type AuditSink interface {
	SessionOpened(ctx context.Context, rec SessionRecord) error
	SessionClosed(ctx context.Context, rec SessionRecord) error
}

// Option configures a Relay.
type Option func(*Relay)

// WithAudit records every session in sink.
func WithAudit(sink AuditSink) Option {
	return func(r *Relay) { r.audit = sink }
}

// WithRegistry uses reg instead of a fresh registry.
func WithRegistry(reg *Registry) Option {
	return func(r *Relay) { r.registry = reg }
}

// Relay owns the registry and router and runs one session per connection.
// Transports hand accepted connections to HandleSession.
type Relay struct {
	cfg      config.RelayConfig
	logger   *zap.Logger
	registry *Registry
	router   *Router
	audit    AuditSink
}

// New creates a Relay.
//
// Precondition: cfg must be validated; logger must be non-nil.
// Postcondition: Returns a Relay with an empty registry.
func New(cfg config.RelayConfig, logger *zap.Logger, opts ...Option) *Relay {
	r := &Relay{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	if r.registry == nil {
		r.registry = NewRegistry()
	}
	r.router = NewRouter(r.registry, logger)
	return r
}

// Registry returns the relay's session registry.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Router returns the relay's broadcast router.
func (r *Relay) Router() *Router {
	return r.router
}

// HandleSession runs a session on conn until it ends. The session is
// registered under a fresh ClientID before any frame is read. Cancelling ctx
// tears the session down.
//
// Postcondition: The session is deregistered and conn is closed. Returns nil
// for a clean end (EOF, Disconnect, shutdown) or the error that ended it.
func (r *Relay) HandleSession(ctx context.Context, conn FrameConn) error {
	id := protocol.NewClientID()
	s := &session{
		id:       id,
		conn:     conn,
		outbox:   NewOutbox(id, r.cfg.OutboxSize),
		registry: r.registry,
		router:   r.router,
		logger:   r.logger.With(observability.ClientID(id), observability.RemoteAddr(conn.RemoteAddr())),
	}

	if err := r.registry.Register(s.handle()); err != nil {
		s.logger.Error("registering session", zap.Error(err))
		_ = conn.Close()
		return err
	}
	s.advance(StateActive)
	s.logger.Info("session registered")

	rec := SessionRecord{ID: id, RemoteAddr: addrString(conn), OpenedAt: time.Now()}
	r.recordOpened(rec)

	stop := context.AfterFunc(ctx, func() { s.teardown(ErrShutdown) })
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.dispatch(gctx) })
	err := g.Wait()
	s.teardown(err)

	rec.ClosedAt = time.Now()
	rec.Messages = s.messages.Load()
	if reason := s.Reason(); reason != nil {
		rec.Reason = reason.Error()
	}
	r.recordClosed(rec)

	if errors.Is(err, ErrShutdown) {
		return nil
	}
	return err
}

// Teardown closes the session with the given id.
//
// Postcondition: Returns true if a live session was found.
func (r *Relay) Teardown(id protocol.ClientID, reason error) bool {
	h, ok := r.registry.Lookup(id)
	if !ok {
		return false
	}
	h.Teardown(reason)
	return true
}

// Shutdown tears down every live session.
func (r *Relay) Shutdown() {
	ids := r.registry.Sessions()
	for _, id := range ids {
		r.Teardown(id, ErrShutdown)
	}
	r.logger.Info("relay sessions closed", zap.Int("count", len(ids)))
}

func (r *Relay) recordOpened(rec SessionRecord) {
	if r.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := r.audit.SessionOpened(ctx, rec); err != nil {
		r.logger.Warn("recording session open", observability.ClientID(rec.ID), zap.Error(err))
	}
}

func (r *Relay) recordClosed(rec SessionRecord) {
	if r.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := r.audit.SessionClosed(ctx, rec); err != nil {
		r.logger.Warn("recording session close", observability.ClientID(rec.ID), zap.Error(err))
	}
}

func addrString(conn FrameConn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
