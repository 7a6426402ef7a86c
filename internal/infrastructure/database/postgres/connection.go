// Package postgres manages the pgx connection pool and the embedded schema
// migrations for the evidence store.
package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/grantline/grantline/internal/config"
	"github.com/grantline/grantline/internal/infrastructure/monitoring/logging"
	apperrors "github.com/grantline/grantline/pkg/errors"
)

const pingTimeout = 5 * time.Second

// Connection owns the PostgreSQL connection pool. Every pooled connection
// has the pgvector types registered, so repositories can bind and scan
// vector columns directly; Migrate must have created the extension before
// the pool is opened.
type Connection struct {
	pool   *pgxpool.Pool
	logger logging.Logger
	once   sync.Once
}

// NewConnection opens and verifies a connection pool for cfg.
func NewConnection(ctx context.Context, cfg config.PostgresConfig, logger logging.Logger) (*Connection, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDBConnection, "parse postgres DSN failed")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDBConnection, "open postgres pool failed")
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDBConnection, "postgres ping failed")
	}

	logger.Info("connected to postgres", logging.Int("max_conns", int(poolCfg.MaxConns)))
	return &Connection{pool: pool, logger: logger}, nil
}

// Pool returns the underlying pool for repository construction.
func (c *Connection) Pool() *pgxpool.Pool {
	return c.pool
}

// HealthCheck verifies the pool still reaches the database.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDBConnection, "postgres health check failed")
	}
	return nil
}

// Close releases the pool. Safe to call more than once.
func (c *Connection) Close() {
	c.once.Do(func() {
		c.pool.Close()
		c.logger.Info("closed postgres pool")
	})
}
