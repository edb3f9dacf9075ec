package main

import (
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/gas/internal/store"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := store.RunMigrations(cfg.Database.URL, migrationsDir); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			slog.Info("database migrations applied", "dir", migrationsDir)
			return nil
		},
	}
}
