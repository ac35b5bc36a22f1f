package cmd

import (
	"fmt"
	"log/slog"

	"github.com/lehigh-university-libraries/shelfscanner/internal/storage"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.StoreDriver == "memory" {
				return fmt.Errorf("nothing to migrate for the memory store")
			}

			db, err := storage.Open(cfg.StoreDriver, cfg.DatabaseURL, cfg.StoreTimeout)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			slog.Info("Migrated database", "driver", cfg.StoreDriver)
			return nil
		},
	}
}
