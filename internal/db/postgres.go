package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/lib/pq"

	"docreview/internal/config"
)

// Open opens one connection for the current invocation. Lambdas are single
// threaded, so the pool is capped at a single connection and closed on return.
func Open(ctx context.Context, c config.Database) (*sql.DB, error) {
	conn, err := sql.Open("postgres", c.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping postgres %s:%s: %w", c.Host, c.Port, err)
	}
	return conn, nil
}

// Opener returns an Open bound to c, the shape the stage runner and handlers take.
func Opener(c config.Database) func(ctx context.Context) (*sql.DB, error) {
	return func(ctx context.Context) (*sql.DB, error) {
		return Open(ctx, c)
	}
}

// Close never fails the caller; a close error only gets logged.
func Close(conn *sql.DB, log *zap.Logger) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		log.Warn("close postgres connection", zap.Error(err))
	}
}
