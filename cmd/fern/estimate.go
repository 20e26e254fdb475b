package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/app"
	"github.com/Ramsey-B/fern/pkg/models"
)

// openOffline builds the app without the intake consumer or decision producer
func openOffline(cmd *cobra.Command, ctx *commandContext) (*app.App, func(), error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, nil, err
	}
	offline := *cfg
	offline.KafkaConsumerEnabled = false
	offline.KafkaProducerEnabled = false
	offline.GraphEnabled = false

	logger, sync, err := ctx.logger()
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	a, err := app.New(cmd.Context(), &offline, logger)
	if err != nil {
		_ = sync()
		return nil, nil, err
	}
	return a, func() {
		_ = a.Close(context.WithoutCancel(cmd.Context()))
		_ = sync()
	}, nil
}

func newEstimateCommand(ctx *commandContext) *cobra.Command {
	var asOfFlag string

	cmd := &cobra.Command{
		Use:   "estimate <place-id>",
		Short: "Print the colony estimate for a place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var asOf time.Time
			if asOfFlag != "" {
				var err error
				if asOf, err = time.Parse(time.RFC3339, asOfFlag); err != nil {
					return fmt.Errorf("--as-of must be an RFC3339 timestamp: %w", err)
				}
			}

			a, closeApp, err := openOffline(cmd, ctx)
			if err != nil {
				return err
			}
			defer closeApp()

			est, err := a.Colony.Estimate(cmd.Context(), args[0], asOf)
			if err != nil {
				return err
			}
			return writeJSON(cmd, est)
		},
	}

	cmd.Flags().StringVar(&asOfFlag, "as-of", "", "Estimate as of this RFC3339 time (default now)")
	return cmd
}

func newCanonicalCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "canonical <person|place|animal> <id>",
		Short: "Follow an entity's merge chain to its surviving id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := models.EntityKind(args[0])
			if !kind.Valid() {
				return fmt.Errorf("kind must be person, place or animal, got %q", args[0])
			}

			a, closeApp, err := openOffline(cmd, ctx)
			if err != nil {
				return err
			}
			defer closeApp()

			chain, err := a.Ledger.Chain(cmd.Context(), kind, args[1])
			if err != nil {
				return err
			}
			return writeJSON(cmd, map[string]any{
				"kind":         kind,
				"id":           args[1],
				"canonical_id": chain[len(chain)-1],
				"chain":        chain,
			})
		},
	}
}
