// Package database provides the PostgreSQL client and migration utilities.
package database

import (
	stdsql "database/sql"
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations
)

// Client wraps a pgx connection pool and a database/sql handle (used by
// golang-migrate and health checks).
type Client struct {
	pool *pgxpool.Pool
	db   *stdsql.DB
	dsn  string
}

// Pool returns the pgx pool for application queries and transactions.
func (c *Client) Pool() *pgxpool.Pool { return c.pool }

// DB returns the database/sql handle.
func (c *Client) DB() *stdsql.DB { return c.db }

// DSN returns the connection string the client was built from.
func (c *Client) DSN() string { return c.dsn }

// NewClient opens the pool, verifies connectivity, and applies pending
// migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	dsn := cfg.DSN()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Separate database/sql handle for golang-migrate.
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to open database/sql handle: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{pool: pool, db: db, dsn: dsn}, nil
}

// NewClientFromPool wraps an existing pool (useful for testing).
func NewClientFromPool(pool *pgxpool.Pool, db *stdsql.DB) *Client {
	return &Client{pool: pool, db: db}
}

// Close releases both handles.
func (c *Client) Close() error {
	c.pool.Close()
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
