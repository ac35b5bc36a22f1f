package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/lehigh-university-libraries/shelfscanner/internal/handlers"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the discovery API server",
		Long: `Starts the shelfscanner HTTP API on the specified port.

Clients open a session, upload shelf photos for recognition and request
recommendations. A background sweeper expires idle sessions.`,
		Example: `  # Start server on the configured port (SHELFSCANNER_PORT, default 8888)
  shelfscanner serve

  # Start server on custom port
  shelfscanner serve --port 3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port == "" {
				port = cfg.Port
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					slog.Error("Failed to release resources", "err", err)
				}
			}()

			sweepCtx, stopSweeper := context.WithCancel(ctx)
			defer stopSweeper()
			go a.sessions.RunSweeper(sweepCtx, cfg.SweepInterval)

			router := handlers.New(a.discovery, cfg.MaxImageBytes).Routes(a.recorder.Middleware)
			router.Handle("/metrics", a.recorder.Handler())
			router.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
				pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
				defer cancel()
				if err := a.store.Ping(pingCtx); err != nil {
					slog.Error("Healthcheck failed", "err", err)
					http.Error(w, "store unavailable", http.StatusServiceUnavailable)
					return
				}
				if _, err := w.Write([]byte("OK")); err != nil {
					slog.Error("Unable to write healthcheck", "err", err)
				}
			})

			addr := ":" + port
			server := &http.Server{
				Addr:              addr,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			// Start server in goroutine
			serverErr := make(chan error, 1)
			go func() {
				slog.Info("Shelfscanner API available", "addr", addr, "url", "http://localhost"+addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			// Wait for context cancellation (Ctrl+C) or server error
			select {
			case <-ctx.Done():
				slog.Info("Shutting down server...")
				// Give server 5 seconds to shut down gracefully
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					slog.Error("Server shutdown failed", "err", err)
					return err
				}
				slog.Info("Server stopped")
				return nil
			case err := <-serverErr:
				return err
			}
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "Port to listen on (default $SHELFSCANNER_PORT)")

	return cmd
}
