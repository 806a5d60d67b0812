package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/harunnryd/callbridge/pkg/bridge"
	"github.com/spf13/cobra"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the Twilio webhooks and media stream endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			engine, err := bridge.NewEngine(ctx, bridge.EngineOptions{Config: cfg, Logger: logger})
			if err != nil {
				return err
			}
			return engine.Run(ctx)
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
