// Package main is the entrypoint for the gencoord API server and its operator commands.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

const defaultMigrationsDir = "migrations"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var migrationsDir string

	cmd := &cobra.Command{
		Use:   "gencoord",
		Short: "External generation job coordinator",
		Long: `gencoord submits generation jobs to external providers, settles credits
exactly once when a job ends, and keeps connected clients up to date through
webhooks, polling and server-sent events.

Without a subcommand it runs the API server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(migrationsDir)
		},
	}
	cmd.PersistentFlags().StringVar(&migrationsDir, "migrations", defaultMigrationsDir, "Directory holding SQL migrations")

	cmd.AddCommand(
		serveCmd(&migrationsDir),
		migrateCmd(&migrationsDir),
		reconcileCmd(),
		apikeyCmd(),
		creditsCmd(),
	)
	return cmd
}

func serveCmd(migrationsDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(*migrationsDir)
		},
	}
}
