package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/variantforge/pkg/kernel"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and pipeline daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}
			logger, err := ctx.logger(false)
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(runCtx, logger, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			apiServer, err := kernel.NewServer(logger, a.runs, a.scene, a.eventBus, a.settings)
			if err != nil {
				return err
			}

			c := cors.New(cors.Options{
				AllowedOrigins:   cfg.Server.AllowedOrigins,
				AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders:   []string{"*"},
				AllowCredentials: true,
			})
			httpServer := &http.Server{
				Addr:              cfg.Server.Bind,
				Handler:           c.Handler(apiServer.Handler()),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gCtx := errgroup.WithContext(runCtx)

			g.Go(func() error {
				return a.batcher.Run(gCtx)
			})

			g.Go(func() error {
				logger.Info("starting api server", "addr", cfg.Server.Bind, "config", ctx.configPath)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("api server failed: %w", err)
				}
				return nil
			})

			g.Go(func() error {
				<-gCtx.Done()
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.runs.Shutdown(shutdownCtx); err != nil {
					logger.Warn("runs did not stop in time", "error", err)
				}
				return httpServer.Shutdown(shutdownCtx)
			})

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "", "Listen address (overrides server.bind)")
	return cmd
}
