package main

import (
	"log/slog"

	"roletracker/internal/store"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the Postgres schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		db, err := store.Open(cmd.Context(), cfg.DatabaseURL, cfg.PoolOptions())
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.ApplyMigrations(cmd.Context(), db, cfg.MigrationsDir); err != nil {
			return err
		}
		logger.Info("migrations applied", slog.String("dir", cfg.MigrationsDir))
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back every applied migration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		db, err := store.Open(cmd.Context(), cfg.DatabaseURL, cfg.PoolOptions())
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.RollbackMigrations(cmd.Context(), db, cfg.MigrationsDir); err != nil {
			return err
		}
		logger.Info("migrations rolled back", slog.String("dir", cfg.MigrationsDir))
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
	rootCmd.AddCommand(migrateCmd)
}
