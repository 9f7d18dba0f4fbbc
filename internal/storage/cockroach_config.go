package storage

import (
	"time"

	"github.com/haasonsaas/coedit/internal/config"
)

// CockroachConfig configures connection pooling for CockroachDB or Postgres.
type CockroachConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultCockroachConfig returns default connection pool settings.
func DefaultCockroachConfig() *CockroachConfig {
	return &CockroachConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// CockroachConfigFrom maps the database section of the service config onto
// pool settings, keeping defaults for anything left unset.
func CockroachConfigFrom(cfg config.DatabaseConfig) *CockroachConfig {
	pool := DefaultCockroachConfig()
	if cfg.MaxConnections > 0 {
		pool.MaxOpenConns = cfg.MaxConnections
	}
	if cfg.MaxIdle > 0 {
		pool.MaxIdleConns = cfg.MaxIdle
	}
	if pool.MaxIdleConns > pool.MaxOpenConns {
		pool.MaxIdleConns = pool.MaxOpenConns
	}
	if cfg.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnectTimeout > 0 {
		pool.ConnectTimeout = cfg.ConnectTimeout
	}
	return pool
}
