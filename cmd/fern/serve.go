package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/app"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the intake consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, sync, err := ctx.logger()
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() { _ = sync() }()

			if migrate && cfg.StoreDriver == "postgres" {
				if err := app.Migrate(signalCtx, cfg, logger); err != nil {
					return err
				}
			}

			a, err := app.New(signalCtx, cfg, logger)
			if err != nil {
				logger.WithContext(signalCtx).WithError(err).Error("Failed to start fern")
				return err
			}
			defer func() {
				if err := a.Close(context.WithoutCancel(signalCtx)); err != nil {
					logger.WithError(err).Warn("Failed to release resources cleanly")
				}
			}()

			return a.Serve(signalCtx)
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply database migrations before serving")
	return cmd
}
