// Package main provides the CLI entry point for coedit, the realtime
// collaborative document session server.
//
// # Basic Usage
//
// Start the server:
//
//	coedit serve --config coedit.yaml
//
// Manage database migrations:
//
//	coedit migrate up
//	coedit migrate status
//
// Issue a development token:
//
//	coedit token issue --user-id alice --name Alice
//
// # Environment Variables
//
//   - COEDIT_CONFIG: Path to configuration file (default: coedit.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "coedit.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "coedit",
		Short: "coedit - realtime collaborative document sessions",
		Long: `coedit hosts realtime editing sessions for shared documents.

Clients connect over a websocket, join a document, and exchange deltas,
cursor positions, and presence with every other member of that document.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildTokenCmd(),
		buildDocumentsCmd(),
		buildHistoryCmd(),
	)
	return rootCmd
}

// resolveConfigPath applies the COEDIT_CONFIG override and the default name.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("COEDIT_CONFIG")); env != "" {
		return env
	}
	return defaultConfigName
}
