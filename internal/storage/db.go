// Package storage opens the shared SQL connection pool and owns the schema
// migrations for the document and identity stores.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Registers the "postgres" driver used for CockroachDB and Postgres.
	_ "github.com/lib/pq"
)

// OpenDB opens a pooled connection and verifies it with a ping.
func OpenDB(ctx context.Context, dsn string, pool *CockroachConfig) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if pool == nil {
		pool = DefaultCockroachConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	Configure(db, pool)

	pingCtx, cancel := context.WithTimeout(ctx, pool.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Configure applies pool limits to db.
func Configure(db *sql.DB, pool *CockroachConfig) {
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
}
