package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/coedit/internal/auth"
	"github.com/haasonsaas/coedit/internal/backoff"
	"github.com/haasonsaas/coedit/internal/config"
	"github.com/haasonsaas/coedit/internal/documents"
	"github.com/haasonsaas/coedit/internal/identity"
	"github.com/haasonsaas/coedit/internal/storage"
)

const connectAttempts = 5

// backend bundles the stores selected by the database configuration.
type backend struct {
	db        *sql.DB
	documents documents.Store
	users     identity.Store
	memory    bool
}

// openBackend connects the SQL stores, or the in-memory ones when no
// database url is configured.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	if strings.TrimSpace(cfg.Database.URL) == "" {
		users := identity.NewMemoryStore()
		users.SetOpenAccess(true)
		logger.Warn("database.url not set; using in-memory stores with open workspace access")
		return &backend{documents: documents.NewMemoryStore(), users: users, memory: true}, nil
	}

	var db *sql.DB
	err := backoff.Retry(ctx, backoff.StartupPolicy(), connectAttempts, func(int) error {
		var err error
		db, err = storage.OpenDB(ctx, cfg.Database.URL, storage.CockroachConfigFrom(cfg.Database))
		return err
	}, func(attempt int, err error) {
		logger.Warn("database not reachable, retrying", "attempt", attempt, "error", err)
	})
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		migrator, err := storage.NewMigrator(db)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize migrator: %w", err)
		}
		applied, err := migrator.Up(ctx, 0)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
		for _, id := range applied {
			logger.Info("applied migration", "id", id)
		}
	}
	return &backend{
		db:        db,
		documents: documents.NewCockroachStore(db),
		users:     identity.NewCockroachStore(db),
	}, nil
}

// openDatabaseBackend is openBackend for commands that only make sense
// against a persistent database.
func openDatabaseBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	if strings.TrimSpace(cfg.Database.URL) == "" {
		return nil, fmt.Errorf("database.url is required")
	}
	return openBackend(ctx, cfg, slog.Default())
}

func (b *backend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// authConfig maps the auth section onto the credential validator config.
func authConfig(cfg config.AuthConfig) auth.Config {
	keys := make([]auth.APIKeyConfig, 0, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		keys = append(keys, auth.APIKeyConfig{
			Key:       key.Key,
			UserID:    key.UserID,
			Email:     key.Email,
			Name:      key.Name,
			AvatarURL: key.Avatar,
		})
	}
	return auth.Config{
		JWTSecret:   cfg.JWTSecret,
		TokenExpiry: cfg.TokenExpiry,
		APIKeys:     keys,
	}
}
