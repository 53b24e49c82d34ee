package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ford/internal/kernel"
	"ford/pkg/config"
	"ford/pkg/logx"
)

const shutdownTimeout = 30 * time.Second

func newInitCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration",
		Long: `Write the default configuration to <project>/.ford/config.yaml.
An existing file is left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.path()
			created, err := config.WriteDefault(path)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", path)
			}
			return nil
		},
	}
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the service until interrupted",
		Long: `Run the dispatcher. State is restored from the latest checkpoint on start and a final
checkpoint is written on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			defer logx.Sync()
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	logger := logx.NewLogger("ford")
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	k, err := kernel.NewKernel(ctx, cfg, kernel.Capabilities{})
	if err != nil {
		return err
	}
	if err := k.Start(ctx); err != nil {
		_ = k.Stop(context.Background())
		return err
	}
	logger.Info("ford is running (data dir %s)", cfg.DataDir)

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return k.Stop(shutdownCtx)
}
