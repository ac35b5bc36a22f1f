package cmd

import (
	"log/slog"

	"github.com/lehigh-university-libraries/shelfscanner/internal/books"
	"github.com/spf13/cobra"
)

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the shared book catalog",
	}
	cmd.AddCommand(newCatalogImportCmd())
	return cmd
}

func newCatalogImportCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Seed the catalog from a .parquet, .jsonl or .yaml file",
		Long: `Loads book records and upserts them into the catalog. Books are keyed by
ISBN-13 when present, otherwise by normalized title and author, so running
the import twice does not create duplicates.

The heuristic recommendation fallback ranks books from this catalog.`,
		Example: `  shelfscanner catalog import ./goodbooks.parquet
  shelfscanner catalog import ./seed.yaml --limit 500`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			records, err := books.LoadDataset(args[0])
			if err != nil {
				return err
			}
			if limit > 0 && len(records) > limit {
				records = records[:limit]
			}
			slog.Info("Loaded catalog records", "file", args[0], "records", len(records))

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := books.Import(cmd.Context(), store, records)
			if err != nil {
				return err
			}
			slog.Info("Catalog import complete", "created", stats.Created, "existing", stats.Existing, "skipped", stats.Skipped)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Import at most this many records (0 = all)")

	return cmd
}
