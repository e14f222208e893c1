package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kursadbilgin/settlement-engine/internal/app"
	"github.com/kursadbilgin/settlement-engine/internal/config"
	"github.com/kursadbilgin/settlement-engine/internal/observability"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, cleanup := newRootCmd(connect)
	err := root.ExecuteContext(ctx)
	if closeErr := cleanup(); closeErr != nil {
		fmt.Fprintln(os.Stderr, "cleanup:", closeErr)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// connect builds the full service container from the environment. Jobs are
// registered but the scheduler is never started.
func connect(cmd *cobra.Command) (*adminServices, func() error, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.LoadWithDotEnv(envFile)
	if err != nil {
		return nil, nil, err
	}

	logLevel, _ := cmd.Flags().GetString("log-level")
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	logger, err := observability.NewLogger(logLevel)
	if err != nil {
		return nil, nil, err
	}

	container, err := app.New(cfg, logger.With(zap.String("component", "billing-admin")))
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}

	services := &adminServices{
		batches:  container.Batches,
		deadline: container.Deadline,
		payments: container.Payments,
	}
	closer := func() error {
		_ = logger.Sync()
		return container.Close()
	}
	return services, closer, nil
}
