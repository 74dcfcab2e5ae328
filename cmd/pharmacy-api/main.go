// Package main provides the pharmacy API service entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/config"
	"github.com/drfirst/go-rxfill/internal/observability/logging"
)

var version = "dev"

// app carries what every subcommand needs.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "pharmacy-api",
		Short:         "Prescription fulfillment service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger, err := logging.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
			if err != nil {
				return err
			}
			a.cfg, a.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				a.logger.Sync()
			}
		},
	}
	root.AddCommand(a.serveCmd(), a.migrateCmd(), a.seedCmd(), a.topicsCmd())
	return root
}
