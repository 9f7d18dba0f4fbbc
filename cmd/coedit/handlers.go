package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/coedit/internal/auth"
	"github.com/haasonsaas/coedit/internal/collab"
	"github.com/haasonsaas/coedit/internal/config"
	"github.com/haasonsaas/coedit/internal/documents"
	"github.com/haasonsaas/coedit/internal/gateway"
	"github.com/haasonsaas/coedit/internal/identity"
	"github.com/haasonsaas/coedit/internal/observability"
	"github.com/haasonsaas/coedit/internal/ratelimit"
	"github.com/haasonsaas/coedit/internal/relay"
	"github.com/haasonsaas/coedit/internal/storage"
	"github.com/haasonsaas/coedit/pkg/models"
)

const (
	demoDocumentID  = "welcome"
	demoWorkspaceID = "demo"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

func runServe(cmd *cobra.Command, configPath string, debug, seedDemo bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logLevel := new(slog.LevelVar)
	logger := observability.NewLogger(observability.LogConfig{
		Level:    cfg.Logging.Level,
		LevelVar: logLevel,
		Format:   cfg.Logging.Format,
		Output:   os.Stderr,
	})
	slog.SetDefault(logger)

	logger.Info("starting coedit",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracer, shutdownTracing, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	store, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if seedDemo {
		if !store.memory {
			logger.Warn("--seed-demo is ignored with a database; use 'coedit documents create'")
		} else if err := seedDemoDocument(ctx, store); err != nil {
			return err
		}
	}

	ids := identity.NewService(auth.NewService(authConfig(cfg.Auth)), store.users, store.documents, identity.Options{
		TrustTokenClaims: cfg.Auth.TrustTokenClaims || store.memory,
		Logger:           logger,
	})

	metrics := collab.NewMetrics()
	var rly *relay.Relay
	if cfg.Relay.Enabled() {
		rly, err = relay.New(ctx, cfg.Relay, metrics, logger)
		if err != nil {
			return fmt.Errorf("failed to connect relay: %w", err)
		}
	}

	server, err := gateway.NewServer(cfg, gateway.Options{
		Documents: store.documents,
		Identity:  ids,
		Relay:     rly,
		Metrics:   metrics,
		Tracer:    tracer,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info("coedit started", "addr", server.Addr().String(), "memory", store.memory, "relay", cfg.Relay.Enabled())

	if err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
		applyReload(next, debug, logLevel, server, logger)
	}); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("coedit stopped gracefully")
	return nil
}

type rateLimitUpdater interface {
	UpdateRateLimit(cfg ratelimit.Config)
}

// applyReload applies the settings that take effect without a restart: the
// log level and the inbound frame rate limit. --debug pins the level.
func applyReload(next *config.Config, debug bool, level *slog.LevelVar, server rateLimitUpdater, logger *slog.Logger) {
	if !debug {
		level.Set(observability.LogLevelFromString(next.Logging.Level))
	}
	server.UpdateRateLimit(next.Collab.RateLimit)
	logger.Info("configuration reloaded", "log_level", level.Level().String())
}

func seedDemoDocument(ctx context.Context, store *backend) error {
	err := store.documents.CreateDocument(ctx, &documents.Document{
		ID:          demoDocumentID,
		WorkspaceID: demoWorkspaceID,
		Title:       "Welcome",
		Content:     "<p>Start typing together.</p>",
	})
	if err != nil {
		return fmt.Errorf("seed demo document: %w", err)
	}
	slog.Info("seeded demo document", "document_id", demoDocumentID)
	return nil
}

// =============================================================================
// Migration Command Handlers
// =============================================================================

func openMigrator(cmd *cobra.Command, configPath string) (*storage.Migrator, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database.URL == "" {
		return nil, nil, fmt.Errorf("database.url is required")
	}
	db, err := storage.OpenDB(cmd.Context(), cfg.Database.URL, storage.CockroachConfigFrom(cfg.Database))
	if err != nil {
		return nil, nil, err
	}
	migrator, err := storage.NewMigrator(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return migrator, func() { _ = db.Close() }, nil
}

func runMigrateUp(cmd *cobra.Command, configPath string, steps int) error {
	slog.Info("running database migrations", "config", configPath, "steps", steps)
	migrator, closeDB, err := openMigrator(cmd, configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	applied, err := migrator.Up(cmd.Context(), steps)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		slog.Info("no pending migrations")
		return nil
	}
	for _, id := range applied {
		slog.Info("applied migration", "id", id)
	}
	slog.Info("migrations completed successfully")
	return nil
}

func runMigrateDown(cmd *cobra.Command, configPath string, steps int) error {
	slog.Warn("rolling back migrations", "config", configPath, "steps", steps)
	migrator, closeDB, err := openMigrator(cmd, configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	rolled, err := migrator.Down(cmd.Context(), steps)
	if err != nil {
		return err
	}
	if len(rolled) == 0 {
		slog.Info("no migrations to roll back")
		return nil
	}
	for _, id := range rolled {
		slog.Info("rolled back migration", "id", id)
	}
	return nil
}

func runMigrateStatus(cmd *cobra.Command, configPath string) error {
	migrator, closeDB, err := openMigrator(cmd, configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	applied, pending, err := migrator.Status(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Migration Status")
	fmt.Fprintln(out, "================")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Applied migrations:")
	if len(applied) == 0 {
		fmt.Fprintln(out, "  (none)")
	} else {
		for _, entry := range applied {
			fmt.Fprintf(out, "  - %s (%s)\n", entry.ID, entry.AppliedAt.Format(time.RFC3339))
		}
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Pending migrations:")
	if len(pending) == 0 {
		fmt.Fprintln(out, "  (none)")
	} else {
		for _, entry := range pending {
			fmt.Fprintf(out, "  - %s\n", entry.ID)
		}
	}
	return nil
}

// =============================================================================
// Token Command Handler
// =============================================================================

func runTokenIssue(cmd *cobra.Command, opts tokenIssueOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required to issue tokens")
	}

	user := &models.User{ID: opts.userID, Email: opts.email, Name: opts.name, AvatarURL: opts.avatar}
	token, err := auth.NewService(authConfig(cfg.Auth)).GenerateJWT(user)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}

	if opts.register {
		store, err := openDatabaseBackend(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.users.UpsertUser(cmd.Context(), user); err != nil {
			return fmt.Errorf("register user: %w", err)
		}
		slog.Info("registered user", "user_id", user.ID)
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// =============================================================================
// Document Command Handlers
// =============================================================================

func runDocumentsCreate(cmd *cobra.Command, opts documentCreateOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := openDatabaseBackend(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	if err := store.users.EnsureWorkspace(ctx, opts.workspace, opts.owner); err != nil {
		return fmt.Errorf("ensure workspace: %w", err)
	}
	doc := &documents.Document{
		ID:          opts.id,
		WorkspaceID: opts.workspace,
		Title:       opts.title,
		Content:     opts.content,
		CreatedBy:   opts.owner,
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if err := store.documents.CreateDocument(ctx, doc); err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), doc.ID)
	return nil
}

func runDocumentsDelete(cmd *cobra.Command, configPath, documentID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := openDatabaseBackend(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.documents.DeleteDocument(cmd.Context(), documentID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	slog.Info("deleted document", "document_id", documentID)
	return nil
}

// =============================================================================
// History Command Handler
// =============================================================================

func runHistory(cmd *cobra.Command, configPath, documentID string, limit int, asJSON bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := openDatabaseBackend(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.documents.ListHistory(cmd.Context(), documentID, limit)
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}
	return printHistory(cmd, records, asJSON)
}

func printHistory(cmd *cobra.Command, records []*documents.ChangeRecord, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "(no changes)")
		return nil
	}
	for _, rec := range records {
		fmt.Fprintf(out, "v%-6d %s  %-20s %d bytes\n",
			rec.Version, rec.CreatedAt.Format(time.RFC3339), rec.EditorID, len(rec.Content))
	}
	return nil
}
