package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-rxfill/internal/infrastructure/postgres"
)

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			pool, err := postgres.Connect(cmd.Context(), a.cfg.DatabaseURL, a.cfg.DBMaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			a.logger.Info("schema applied")
			return nil
		},
	}
}
