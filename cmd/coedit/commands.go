package main

import (
	"github.com/spf13/cobra"

	"github.com/haasonsaas/coedit/internal/documents"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the collaboration server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		seedDemo   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the collaboration server",
		Long: `Start the websocket collaboration server.

The server will:
1. Load configuration from the specified file (or coedit.yaml)
2. Open the database, or fall back to in-memory stores when database.url is empty
3. Connect the Redis relay when relay.redis_url is set
4. Serve /ws, /healthz and /metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  coedit serve

  # Start in memory mode with a demo document
  coedit serve --config dev.yaml --seed-demo --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, resolveConfigPath(configPath), debug, seedDemo)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&seedDemo, "seed-demo", false, "Create a demo document when running with in-memory stores")
	return cmd
}

// =============================================================================
// Migration Commands
// =============================================================================

// buildMigrateCmd creates the "migrate" command group.
func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
		Long: `Manage database migrations.

Migrations create the users, workspaces, documents, collaborators and
document history tables used by the SQL stores.`,
	}
	cmd.AddCommand(buildMigrateUpCmd(), buildMigrateDownCmd(), buildMigrateStatusCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Run pending migrations",
		Example: `  # Apply all pending migrations
  coedit migrate up

  # Apply only the next migration
  coedit migrate up --steps 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp(cmd, resolveConfigPath(configPath), steps)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().IntVarP(&steps, "steps", "n", 0, "Number of migrations to apply (0 = all)")
	return cmd
}

func buildMigrateDownCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Rollback migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateDown(cmd, resolveConfigPath(configPath), steps)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "Number of migrations to roll back")
	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateStatus(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	return cmd
}

// =============================================================================
// Token Commands
// =============================================================================

type tokenIssueOptions struct {
	configPath string
	userID     string
	email      string
	name       string
	avatar     string
	register   bool
}

// buildTokenCmd creates the "token" command group.
func buildTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Credential helpers for development",
	}
	cmd.AddCommand(buildTokenIssueCmd())
	return cmd
}

func buildTokenIssueCmd() *cobra.Command {
	var opts tokenIssueOptions
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed access token",
		Long: `Issue an HS256 access token signed with auth.jwt_secret.

With --register the user is also written to the database so the server
accepts the token without auth.trust_token_claims.`,
		Example: `  coedit token issue --user-id alice --name Alice
  coedit token issue --user-id bob --email bob@example.com --register`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.configPath = resolveConfigPath(opts.configPath)
			return runTokenIssue(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&opts.userID, "user-id", "", "User id (token subject)")
	cmd.Flags().StringVar(&opts.email, "email", "", "User email")
	cmd.Flags().StringVar(&opts.name, "name", "", "Display name")
	cmd.Flags().StringVar(&opts.avatar, "avatar", "", "Avatar URL")
	cmd.Flags().BoolVar(&opts.register, "register", false, "Also upsert the user into the database")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

// =============================================================================
// Document Commands
// =============================================================================

type documentCreateOptions struct {
	configPath string
	id         string
	workspace  string
	owner      string
	title      string
	content    string
}

// buildDocumentsCmd creates the "documents" command group.
func buildDocumentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "documents",
		Aliases: []string{"docs"},
		Short:   "Seed and remove documents",
	}
	cmd.AddCommand(buildDocumentsCreateCmd(), buildDocumentsDeleteCmd())
	return cmd
}

func buildDocumentsCreateCmd() *cobra.Command {
	var opts documentCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a document in a workspace",
		Long: `Create a document. The owner becomes the owner of the workspace if the
workspace does not exist yet, which grants them access to the document.`,
		Example: `  coedit documents create --workspace acme --owner alice --title "Roadmap"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.configPath = resolveConfigPath(opts.configPath)
			return runDocumentsCreate(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&opts.id, "id", "", "Document id (default: random UUID)")
	cmd.Flags().StringVar(&opts.workspace, "workspace", "", "Workspace id")
	cmd.Flags().StringVar(&opts.owner, "owner", "", "Creating user id")
	cmd.Flags().StringVar(&opts.title, "title", "", "Document title")
	cmd.Flags().StringVar(&opts.content, "content", "", "Initial content")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func buildDocumentsDeleteCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "delete <document-id>",
		Short: "Delete a document and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDocumentsDelete(cmd, resolveConfigPath(configPath), args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	return cmd
}

// =============================================================================
// History Command
// =============================================================================

func buildHistoryCmd() *cobra.Command {
	var (
		configPath string
		limit      int
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "history <document-id>",
		Short: "List recent changes of a document, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, resolveConfigPath(configPath), args[0], limit, asJSON)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().IntVarP(&limit, "limit", "n", documents.DefaultHistoryLimit, "Maximum number of changes")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}
