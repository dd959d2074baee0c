package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/gencoord/internal/api/middleware"
	"github.com/kiranshivaraju/gencoord/internal/config"
	"github.com/kiranshivaraju/gencoord/internal/coordinator"
	"github.com/kiranshivaraju/gencoord/internal/pricing"
	"github.com/kiranshivaraju/gencoord/internal/store"
	"github.com/spf13/cobra"
)

func migrateCmd(migrationsDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := config.LoadDatabase()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := store.RunMigrations(db.URL, *migrationsDir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := config.LoadDatabase()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := store.RollbackMigrations(db.URL, *migrationsDir, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reverted %d migration(s)\n", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to revert")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := config.LoadDatabase()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			v, dirty, err := store.MigrationVersion(db.URL, *migrationsDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
			return nil
		},
	})
	return cmd
}

func reconcileCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Settle jobs flagged for reconciliation",
		Long: `Asks the provider about every flagged, still-running job and settles the
ones that have ended. With --once it runs a single sweep and prints the report;
otherwise it keeps sweeping until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pool, err := store.Connect(ctx, cfg.Database)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			providers, err := buildProviders(cfg.Providers)
			if err != nil {
				return fmt.Errorf("create providers: %w", err)
			}
			coord := coordinator.New(coordinator.Options{
				Store:           store.NewPostgresStore(pool),
				Providers:       providers,
				Pricing:         pricing.DefaultCatalog(),
				Config:          cfg.Coordinator,
				DefaultProvider: cfg.Providers.Default,
			})

			if !once {
				coord.RunReconciler(ctx)
				return nil
			}
			report, err := coord.ReconcileOnce(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run a single sweep and exit")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}

	var (
		userID string
		name   string
		scopes []string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key and print it once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseUser(userID, true)
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(s store.Store) error {
				raw, key, err := mw.IssueAPIKey(cmd.Context(), s, owner, name, scopes)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{
					"id":      key.ID,
					"user_id": key.UserID,
					"name":    key.Name,
					"scopes":  key.Scopes,
					"key":     raw,
				})
			})
		},
	}
	create.Flags().StringVar(&userID, "user", "", "Owner user id (a new id is generated when empty)")
	create.Flags().StringVar(&name, "name", "cli", "Key name")
	create.Flags().StringSliceVar(&scopes, "scopes", nil, "Key scopes, e.g. admin")
	cmd.AddCommand(create)
	return cmd
}

func creditsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and adjust credit ledgers",
	}

	var (
		userID string
		amount int64
		reason string
	)
	topup := &cobra.Command{
		Use:   "topup",
		Short: "Add credits to a user's ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseUser(userID, false)
			if err != nil {
				return err
			}
			if amount <= 0 {
				return fmt.Errorf("--amount must be positive, got %d", amount)
			}
			return withStore(cmd.Context(), func(s store.Store) error {
				ledger, err := s.TopUpCredits(cmd.Context(), owner, amount, reason)
				if err != nil {
					return err
				}
				return printJSON(cmd, ledger)
			})
		},
	}
	topup.Flags().StringVar(&userID, "user", "", "User id")
	topup.Flags().Int64Var(&amount, "amount", 0, "Credits to add")
	topup.Flags().StringVar(&reason, "reason", "operator top-up", "Ledger reason")
	cmd.AddCommand(topup)
	return cmd
}

// parseUser parses raw as a user id. An empty value yields a fresh id when
// generate is set.
func parseUser(raw string, generate bool) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if generate {
			return uuid.New(), nil
		}
		return uuid.Nil, fmt.Errorf("--user is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("--user must be a valid UUID: %w", err)
	}
	return id, nil
}

func withStore(ctx context.Context, fn func(store.Store) error) error {
	db, err := config.LoadDatabase()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	pool, err := store.Connect(ctx, db)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(store.NewPostgresStore(pool))
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
