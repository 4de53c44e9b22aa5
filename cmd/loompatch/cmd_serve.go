package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/openfluke/loompatch/registry"
	"github.com/openfluke/loompatch/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the patching API and the remote execution routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof))
			if err != nil {
				logger.Warn("failed to set GOMAXPROCS", zap.Error(err))
			}
			defer undo()

			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			models := registry.New(cfg.Models, logger)
			defer models.Close()

			logger.Info("starting loompatch",
				zap.String("version", version),
				zap.Strings("models", models.Names()),
				zap.String("remote_url", cfg.Server.RemoteURL),
			)
			return server.New(cfg.Server, models, server.WithLogger(logger)).Run(ctx)
		},
	}
	cmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	return cmd
}
