// Package websocket provides an optional WebSocket transport for the relay.
// Sessions behave exactly as over TCP; each WebSocket message carries one frame.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/config"
)

const shutdownTimeout = 5 * time.Second

// SessionHandler runs the session for one upgraded connection.
// HandleSession must return once ctx is cancelled.
type SessionHandler interface {
	HandleSession(ctx context.Context, conn *Conn) error
}

// HandlerFunc adapts a function to SessionHandler.
type HandlerFunc func(ctx context.Context, conn *Conn) error

// HandleSession calls f(ctx, conn).
func (f HandlerFunc) HandleSession(ctx context.Context, conn *Conn) error {
	return f(ctx, conn)
}

// Gateway serves WebSocket upgrades on one path and runs a session per connection.
type Gateway struct {
	cfg      config.WebSocketConfig
	relayCfg config.RelayConfig
	handler  SessionHandler
	logger   *zap.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewGateway creates a Gateway. Session timeouts and frame limits come from relayCfg.
//
// Precondition: cfg must be validated; handler and logger must be non-nil.
func NewGateway(cfg config.WebSocketConfig, relayCfg config.RelayConfig, handler SessionHandler, logger *zap.Logger) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		cfg:      cfg,
		relayCfg: relayCfg,
		handler:  handler,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// relay clients are not browsers; there is no cookie-bearing origin to protect
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// ListenAndServe binds cfg.ListenAddr and serves until Stop is called.
//
// Postcondition: Returns nil after Stop, or the listen/serve error.
func (g *Gateway) ListenAndServe() error {
	listener, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.cfg.ListenAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle(g.cfg.Path, g)
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.mu.Lock()
	if g.ctx.Err() != nil {
		g.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	g.server = server
	g.listener = listener
	g.mu.Unlock()

	g.logger.Info("websocket gateway listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", g.cfg.Path),
	)

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

// ServeHTTP upgrades the request and runs the session until it ends.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !g.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.wg.Done()

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	start := time.Now()
	conn := NewConn(ws, g.relayCfg.IdleTimeout, g.relayCfg.WriteTimeout, g.relayCfg.MaxFrameBytes)
	defer conn.Close()

	if err := g.handler.HandleSession(g.ctx, conn); err != nil {
		g.logger.Debug("websocket session ended",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// track counts a session in wg unless Stop has begun. Stop cancels under mu,
// so every tracked session is visible to its wg.Wait.
func (g *Gateway) track() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx.Err() != nil {
		return false
	}
	g.wg.Add(1)
	return true
}

// Stop cancels every session, stops accepting upgrades and waits for
// sessions to finish. Calling Stop more than once is a no-op.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if g.ctx.Err() != nil {
		g.mu.Unlock()
		return
	}
	g.cancel()
	server := g.server
	g.mu.Unlock()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			g.logger.Warn("websocket gateway shutdown", zap.Error(err))
		}
	}
	g.wg.Wait()
	g.logger.Info("websocket gateway stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener != nil {
		return g.listener.Addr().String()
	}
	return ""
}
