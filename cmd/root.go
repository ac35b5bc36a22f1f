package cmd

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shelfscanner",
		Short: "Bookshelf photo recognition and personalized book recommendations",
		Long: `Shelfscanner turns a photo of a bookshelf into a list of recognized books
and recommends what to read next based on a session's preferences and history.

It runs as an HTTP service and ships maintenance commands for the session
store and the book catalog.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
		},
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSweepCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newCatalogCmd())

	return cmd
}
