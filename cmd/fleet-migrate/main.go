package main

import (
	"context"
	"fmt"
	"os"

	"github.com/edgefleetops/fleetcore/internal/config"
	"github.com/edgefleetops/fleetcore/internal/database"
	"github.com/edgefleetops/fleetcore/internal/migrations"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var expectedTables = []string{
	"devices", "device_groups", "telemetry_events", "analytics", "users", "alerts", "audit_logs",
}

var (
	configDir     string
	migrationsDir string
	backupDir     string
)

var rootCmd = &cobra.Command{
	Use:   "fleet-migrate",
	Short: "Schema migration CLI for the fleetcore database",
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations (backing up an embedded database first)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd.Context(), func(ctx context.Context, m *migrations.DatabaseMigrator) error {
			return m.SafeApplyAll(ctx)
		})
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recently applied migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd.Context(), func(ctx context.Context, m *migrations.DatabaseMigrator) error {
			return m.Engine.RollbackOne(ctx)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current schema version and any pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd.Context(), func(ctx context.Context, m *migrations.DatabaseMigrator) error {
			version, err := m.Engine.CurrentVersion(ctx)
			if err != nil {
				return err
			}
			pending, err := m.Engine.PendingMigrations(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("current revision: %d\n", version)
			fmt.Printf("pending: %d\n", len(pending))
			for _, rev := range pending {
				fmt.Printf("  %d %s\n", rev.Version, rev.Name)
			}
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print every applied migration in order",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd.Context(), func(ctx context.Context, m *migrations.DatabaseMigrator) error {
			history, err := m.Engine.History(ctx)
			if err != nil {
				return err
			}
			for _, rev := range history {
				appliedAt := "pending"
				if rev.AppliedAt != nil {
					appliedAt = rev.AppliedAt.Format("2006-01-02T15:04:05Z07:00")
				}
				fmt.Printf("%d %s applied_at=%s\n", rev.Version, rev.Name, appliedAt)
			}
			return nil
		})
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Compare the live schema against the expected table set",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd.Context(), func(ctx context.Context, m *migrations.DatabaseMigrator) error {
			ok, issues := m.Engine.ValidateSchema(ctx, expectedTables)
			if ok {
				fmt.Println("schema OK")
				return nil
			}
			for _, issue := range issues {
				fmt.Println(issue)
			}
			return fmt.Errorf("schema validation found %d issue(s)", len(issues))
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "config", "directory containing default.yaml and <environment>.yaml")
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "migrations", "directory containing versioned .sql migrations")
	rootCmd.PersistentFlags().StringVar(&backupDir, "backup-dir", "backups", "directory pre-migration sqlite backups are written to")
	rootCmd.AddCommand(upCmd, downCmd, statusCmd, historyCmd, validateCmd)
}

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("fleet-migrate failed")
	}
}

func withMigrator(ctx context.Context, fn func(context.Context, *migrations.DatabaseMigrator) error) error {
	loader := &config.Loader{Dir: configDir}
	schema, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dbManager, err := database.NewManager(schema.Database)
	if err != nil {
		return fmt.Errorf("construct database manager: %w", err)
	}
	if err := dbManager.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer dbManager.Shutdown()

	driver := "sqlite3"
	if !schema.Database.Embedded() {
		driver = "postgres"
	}
	engine, err := migrations.New(dbManager.DB().DB, driver, migrationsDir, os.DirFS(migrationsDir))
	if err != nil {
		return fmt.Errorf("construct migration engine: %w", err)
	}

	migrator := &migrations.DatabaseMigrator{
		Engine:      engine,
		DatabaseURL: schema.Database.URL,
		BackupDir:   backupDir,
	}
	return fn(ctx, migrator)
}
