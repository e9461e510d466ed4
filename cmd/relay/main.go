// Package main provides the relay server binary: a TCP (and optionally
// WebSocket) room relay with an optional gRPC health endpoint and session audit.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/admin"
	"github.com/cory-johannsen/relay/internal/config"
	"github.com/cory-johannsen/relay/internal/observability"
	"github.com/cory-johannsen/relay/internal/relay"
	"github.com/cory-johannsen/relay/internal/server"
	"github.com/cory-johannsen/relay/internal/storage/postgres"
	"github.com/cory-johannsen/relay/internal/transport/tcp"
	"github.com/cory-johannsen/relay/internal/transport/websocket"
)

const dbHealthInterval = 30 * time.Second

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file (empty = defaults and RELAY_* environment)")
	listen := flag.String("listen", "", "override relay.listen_addr")
	migrate := flag.Bool("migrate", true, "apply audit schema migrations at startup when the database is enabled")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *listen != "" {
		cfg.Relay.ListenAddr = *listen
		if err := cfg.Validate(); err != nil {
			log.Fatalf("invalid -listen: %v", err)
		}
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting relay", zap.String("listen_addr", cfg.Relay.ListenAddr))

	lifecycle := server.NewLifecycle(logger)

	var opts []relay.Option
	if cfg.Database.Enabled {
		pool, audit := openAudit(ctx, cfg.Database, *migrate, logger)
		opts = append(opts, relay.WithAudit(audit))

		monitorCtx, stopMonitor := context.WithCancel(ctx)
		lifecycle.Add("postgres", &server.FuncService{
			StartFn: func() error {
				pool.Monitor(monitorCtx, dbHealthInterval, 5*time.Second, logger)
				return nil
			},
			StopFn: func() {
				stopMonitor()
				pool.Close()
			},
		})
	}

	r := relay.New(cfg.Relay, logger, opts...)

	if cfg.Admin.Enabled {
		health := admin.New(cfg.Admin, logger)
		lifecycle.Add("admin", &server.FuncService{
			StartFn: health.ListenAndServe,
			StopFn:  health.Stop,
		})
		lifecycle.OnReady(func() { health.SetServing(true) })
		lifecycle.BeforeStop(func() { health.SetServing(false) })
	}

	acceptor := tcp.NewAcceptor(cfg.Relay, tcp.HandlerFunc(func(ctx context.Context, conn *tcp.Conn) error {
		return r.HandleSession(ctx, conn)
	}), logger)
	lifecycle.Add("tcp", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn: func() {
			acceptor.Stop()
			r.Shutdown()
		},
	})

	if cfg.WebSocket.Enabled {
		gateway := websocket.NewGateway(cfg.WebSocket, cfg.Relay, websocket.HandlerFunc(func(ctx context.Context, conn *websocket.Conn) error {
			return r.HandleSession(ctx, conn)
		}), logger)
		lifecycle.Add("websocket", &server.FuncService{
			StartFn: gateway.ListenAndServe,
			StopFn:  gateway.Stop,
		})
	}

	logger.Info("relay initialized", zap.Duration("startup", time.Since(start)))

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// openAudit connects to PostgreSQL, optionally migrates, and closes records
// a previous process left open.
func openAudit(ctx context.Context, cfg config.DatabaseConfig, migrate bool, logger *zap.Logger) (*postgres.Pool, *postgres.SessionAuditRepository) {
	if migrate {
		if err := postgres.Migrate(cfg.DSN()); err != nil {
			logger.Fatal("migrating audit schema", zap.Error(err))
		}
	}

	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("connected to database", zap.Duration("elapsed", time.Since(dbStart)))

	audit := postgres.NewSessionAuditRepository(pool.DB())
	n, err := audit.CloseDangling(ctx, time.Now(), "relay restarted")
	if err != nil {
		logger.Warn("closing dangling audit records", zap.Error(err))
	} else if n > 0 {
		logger.Info("closed dangling audit records", zap.Int64("count", n))
	}
	return pool, audit
}
