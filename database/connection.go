package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

const connectTimeout = 10 * time.Second

// DB represents a database connection pool
type DB struct {
	*pgxpool.Pool
}

// PoolOptions tunes the connection pool. Zero values keep the pgx defaults.
type PoolOptions struct {
	ApplicationName string
	MaxConns        int32
}

// NewConnection opens a pool with every session in UTC and verifies it with a ping
func NewConnection(ctx context.Context, databaseURL string, opts PoolOptions) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.ConnConfig.RuntimeParams["timezone"] = "UTC"
	if opts.ApplicationName != "" {
		config.ConnConfig.RuntimeParams["application_name"] = opts.ApplicationName
	}
	// Every raffle consumer and the serializer hold a connection for the length of a transaction
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if config.ConnConfig.ConnectTimeout == 0 {
		config.ConnConfig.ConnectTimeout = connectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.WithFields(log.Fields{
		"maxConns": config.MaxConns,
		"host":     config.ConnConfig.Host,
	}).Debug("Database pool opened")
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}
