package cmd

import (
	"log/slog"

	"github.com/lehigh-university-libraries/shelfscanner/internal/session"
	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire sessions past their expiry once and exit",
		Long: `Runs a single pass of the session sweeper: sessions whose expiry has
passed are marked inactive and evicted from the cache, and sessions that
ended longer than SHELFSCANNER_PURGE_AFTER ago are deleted.

Useful from cron when the API server runs with several replicas.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			c, err := openCache(ctx, cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			// the sweep only needs the store and cache, not the providers
			a := &app{cfg: cfg, store: store, cache: c}
			svc := session.New(store, a.newPolicy(), session.Config{
				TTL:             cfg.SessionTTL,
				RenewalFraction: cfg.RenewalFraction,
				PurgeAfter:      cfg.PurgeAfter,
			})

			n, err := svc.Sweep(ctx)
			if err != nil {
				return err
			}
			slog.Info("Sweep complete", "expired", n)
			return nil
		},
	}
}
