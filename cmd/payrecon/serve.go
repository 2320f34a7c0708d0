package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/freshfold/payrecon/api"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the background sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if addr == "" {
				addr = a.cfg.Server.Addr
			}

			handler := api.NewHandler(a.engine, a.logger.Named("http"))
			handler.SweepBatch = a.cfg.Engine.SweepBatch

			scheduler := api.NewSweepScheduler(a.engine, a.logger.Named("sweep"))
			scheduler.Interval = a.cfg.Engine.SweepInterval
			scheduler.Batch = a.cfg.Engine.SweepBatch
			scheduler.Start()
			defer scheduler.Stop()

			server := &http.Server{
				Addr:         addr,
				Handler:      api.NewRouter(handler, api.RouterOptions{AllowedOrigins: a.cfg.Server.CORSOrigins}),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 75 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("server starting", zap.String("addr", addr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			a.logger.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return err
			}
			a.logger.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
