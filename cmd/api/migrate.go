package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"storyboard/api/internal/config"
	"storyboard/api/internal/store"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Store != config.StorePostgres {
				return fmt.Errorf("migrate requires the postgres store, configured store is %q", cfg.Store)
			}

			db, err := store.Open(cmd.Context(), cfg.DatabaseURL, store.PoolOptions{MaxOpenConns: 2})
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := store.ApplyMigrations(cmd.Context(), db, store.Migrations(cfg.MigrationsDir))
			if err != nil {
				return err
			}
			ctx.log().Info("migrations complete", "applied", len(applied), "files", applied)
			return nil
		},
	}
}
