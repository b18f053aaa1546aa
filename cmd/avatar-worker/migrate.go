package main

import (
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/cobra"
	"github.com/uptrace/bun/migrate"

	"github.com/flowsmartly/avatar-worker/migrations"
)

func newMigrateCommand() *cobra.Command {
	var rollback bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the ledger schema migrations",
		Long: "Applies the embedded ledger migrations for the configured driver. " +
			"With --rollback the most recent migration group is reverted instead.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd, rollback)
		},
	}
	cmd.Flags().BoolVar(&rollback, "rollback", false, "revert the most recent migration group")
	return cmd
}

func runMigrate(cmd *cobra.Command, rollback bool) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	db, err := openLedger(cfg.Ledger)
	if err != nil {
		return err
	}
	if db == nil {
		return fmt.Errorf("ledger dsn is required; set LEDGER_DSN")
	}
	defer func() { _ = db.Close() }()

	fsys, err := ledgerMigrationFS(cfg.Ledger.Driver)
	if err != nil {
		return err
	}

	discovered := migrate.NewMigrations()
	if err := discovered.Discover(fsys); err != nil {
		return fmt.Errorf("discover migrations: %w", err)
	}
	migrator := migrate.NewMigrator(db, discovered)
	if err := migrator.Init(ctx); err != nil {
		return fmt.Errorf("init migration table: %w", err)
	}

	if rollback {
		group, rollbackErr := migrator.Rollback(ctx)
		if rollbackErr != nil {
			return fmt.Errorf("rollback: %w", rollbackErr)
		}
		if group.IsZero() {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", group)
		return nil
	}

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if group.IsZero() {
		fmt.Fprintln(cmd.OutOrStdout(), "ledger schema is up to date")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", group)
	return nil
}

// ledgerMigrationFS picks the embedded migration set matching the driver.
func ledgerMigrationFS(driver string) (fs.FS, error) {
	dialect := migrations.DialectSQLite
	switch normalized := strings.TrimSpace(strings.ToLower(driver)); normalized {
	case "", "sqlite", "sqlite3":
	case "postgres", "postgresql":
		dialect = migrations.DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", driver)
	}

	specs, err := migrations.Filesystems()
	if err != nil {
		return nil, err
	}
	for _, spec := range specs {
		if spec.Dialect == dialect {
			return spec.FS, nil
		}
	}
	return nil, fmt.Errorf("no migrations for dialect %q", dialect)
}
