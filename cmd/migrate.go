package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/imbridge/internal/store/pg"
)

var migrationsDir string

// resolveMigrationsDir prefers --migrations-dir, then IMBRIDGE_MIGRATIONS_DIR,
// then ./migrations next to the executable.
func resolveMigrationsDir() string {
	if migrationsDir != "" {
		return migrationsDir
	}
	if v := os.Getenv("IMBRIDGE_MIGRATIONS_DIR"); v != "" {
		return v
	}
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

// mirrorDSN returns the Postgres mirror DSN. It is only read from the
// environment (IMBRIDGE_POSTGRES_DSN, or the dotenv file).
func mirrorDSN() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Store.PostgresDSN == "" {
		return "", fmt.Errorf("IMBRIDGE_POSTGRES_DSN is not set")
	}
	return cfg.Store.PostgresDSN, nil
}

// withMigrator runs fn against the mirror's migrator and reports the
// resulting version.
func withMigrator(action string, fn func(m *migrate.Migrate) error) error {
	dsn, err := mirrorDSN()
	if err != nil {
		return err
	}
	m, err := pg.NewMigrator(dsn, resolveMigrationsDir())
	if err != nil {
		return err
	}
	defer m.Close()

	if err := fn(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", action, err)
	}
	v, dirty, _ := m.Version()
	slog.Info("migrate.done", "action", action, "version", v, "dirty", dirty)
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the schema of the Postgres native store mirror",
	}
	cmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "", "migrations directory (default: ./migrations next to the binary)")

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (default: 1 step)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator("down", func(m *migrate.Migrate) error {
				return m.Steps(-max(steps, 1))
			})
		},
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "number of steps to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator("up", (*migrate.Migrate).Up)
			},
		},
		down,
		&cobra.Command{
			Use:   "goto <version>",
			Short: "Migrate up or down to a specific version",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := strconv.ParseUint(args[0], 10, 32)
				if err != nil {
					return fmt.Errorf("invalid version: %w", err)
				}
				return withMigrator("goto", func(m *migrate.Migrate) error {
					return m.Migrate(uint(v))
				})
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Set the recorded version without running migrations (clears dirty)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version: %w", err)
				}
				return withMigrator("force", func(m *migrate.Migrate) error {
					return m.Force(v)
				})
			},
		},
		&cobra.Command{
			Use:   "drop",
			Short: "Drop every mirror table (DANGEROUS)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator("drop", (*migrate.Migrate).Drop)
			},
		},
		migrateStatusCmd(),
	)
	return cmd
}

// migrateStatusCmd reports whether this binary can read the mirror as is.
func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"version"},
		Short:   "Show the mirror schema version and compatibility",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := mirrorDSN()
			if err != nil {
				return err
			}
			db, err := pg.OpenDB(dsn)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			status, err := pg.CheckSchema(ctx, db)
			if err != nil {
				return err
			}
			fmt.Printf("version: %d (required %d), dirty: %v\n", status.CurrentVersion, status.RequiredVersion, status.Dirty)
			if err := status.Err(); err != nil {
				fmt.Println(err)
				return nil
			}
			fmt.Println("schema is compatible")
			return nil
		},
	}
}
