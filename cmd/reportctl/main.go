package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/boddenberg/card-usage-reports/internal/app"
	"github.com/boddenberg/card-usage-reports/internal/config"
	"github.com/boddenberg/card-usage-reports/internal/infra/observability"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var envFile string
	rootCmd := newRootCmd(func(ctx context.Context) (*app.App, error) {
		if err := config.LoadDotEnv(envFile); err != nil {
			return nil, err
		}
		cfg := config.Load()
		return app.New(ctx, cfg, observability.NewLogger(cfg.LogLevel, "reportctl"))
	})
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// engineFactory builds the engine once per command invocation.
type engineFactory func(ctx context.Context) (*app.App, error)

func newRootCmd(build engineFactory) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "reportctl",
		Short:        "Operate the card-usage report aggregates",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(recalcCmd(build))
	rootCmd.AddCommand(resumCmd(build))
	rootCmd.AddCommand(pruneCmd(build))
	rootCmd.AddCommand(deleteRecordCmd(build))

	return rootCmd
}

// withEngine builds the engine, runs fn and closes the engine.
func withEngine(cmd *cobra.Command, build engineFactory, fn func(*app.App) error) error {
	engine, err := build(cmd.Context())
	if err != nil {
		return err
	}
	defer engine.Close()
	return fn(engine)
}
