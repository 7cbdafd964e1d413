package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"sudooom.im.chat/internal/store"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Database.Driver != "postgres" {
				return fmt.Errorf("migrate requires database.driver=postgres, got %q", cfg.Database.Driver)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			pool, err := store.Connect(ctx, cfg.Database.DSN, cfg.Database.MaxConns, cfg.Database.MinConns, cfg.Database.ConnMaxLifetime)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			s := store.NewPostgresStore(pool)
			defer s.Close()

			if err := s.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("Schema migrated")
			return nil
		},
	}
}
