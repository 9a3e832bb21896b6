package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wingthing-broker/agent/internal/broker"
	"github.com/wingthing-broker/agent/internal/config"
	"github.com/wingthing-broker/agent/internal/logger"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the host agent daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			b, err := broker.New(cfg)
			if err != nil {
				return fmt.Errorf("build broker: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("agentd starting", "bind_addr", cfg.BindAddr, "host_id", b.HostID.Current())
			return b.Run(ctx)
		},
	}
}
