// Package postgres provides the PostgreSQL-backed session audit trail using pgx v5.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/config"
)

// ApplicationName identifies relay connections in pg_stat_activity.
const ApplicationName = "relay-audit"

// Pool is the audit trail's connection pool.
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool connects the audit pool and verifies it with a ping.
//
// Precondition: cfg must contain valid database connection parameters.
// Postcondition: Returns a connected Pool or a non-nil error.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = ApplicationName

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating audit pool for %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Name, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging audit database: %w", err)
	}

	return &Pool{pool: pool}, nil
}

// Health pings the audit database within timeout.
//
// Precondition: The pool must not be closed.
func (p *Pool) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("audit database health: %w", err)
	}
	return nil
}

// Monitor checks Health every interval until ctx is cancelled, logging when
// the audit database becomes unreachable and when it recovers. Audit writes
// keep failing softly in the meantime; sessions are unaffected.
func (p *Pool) Monitor(ctx context.Context, interval, timeout time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.Health(ctx, timeout)
			switch {
			case err != nil && ctx.Err() != nil:
				return
			case err != nil:
				logger.Warn("audit database unreachable",
					zap.Int32("total_conns", p.pool.Stat().TotalConns()),
					zap.Error(err),
				)
				healthy = false
			case !healthy:
				logger.Info("audit database recovered")
				healthy = true
			}
		}
	}
}

// Close releases all pool resources.
func (p *Pool) Close() {
	p.pool.Close()
}

// DB returns the underlying pgxpool.Pool for the audit repository.
func (p *Pool) DB() *pgxpool.Pool {
	return p.pool
}
