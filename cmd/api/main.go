package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/settlement-engine/internal/app"
	"github.com/kursadbilgin/settlement-engine/internal/config"
	"github.com/kursadbilgin/settlement-engine/internal/handler"
	"github.com/kursadbilgin/settlement-engine/internal/observability"
	"github.com/kursadbilgin/settlement-engine/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.LoadWithDotEnv()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	container, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("bootstrap failed", zap.Error(err))
	}
	defer func() {
		if err := container.Close(); err != nil {
			logger.Error("failed to release resources", zap.Error(err))
		}
	}()

	server := fiber.New(fiber.Config{
		AppName:               "settlement-engine",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	server.Use(recover.New())
	server.Use(requestid.New())
	server.Use(transport.CorrelationID())
	server.Use(container.Metrics.HTTPMiddleware(transport.StatusCode))

	server.Get("/metrics", adaptor.HTTPHandler(container.Metrics.Handler()))
	handler.RegisterHealthRoutes(server, container.HealthChecks()...)
	if err := handler.RegisterAdminRoutes(server, container.HandlerServices()); err != nil {
		logger.Fatal("failed to register routes", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return container.Scheduler.Start(gctx)
	})
	g.Go(func() error {
		logger.Info("settlement-engine api started", zap.Int("port", cfg.APIPort))
		if err := server.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return server.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("settlement-engine stopped unexpectedly", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("settlement-engine stopped")
}
