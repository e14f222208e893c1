package app

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/settlement-engine/internal/config"
	"github.com/kursadbilgin/settlement-engine/internal/gateway"
	"github.com/kursadbilgin/settlement-engine/internal/handler"
	"github.com/kursadbilgin/settlement-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/settlement-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/settlement-engine/internal/infra/redis"
	"github.com/kursadbilgin/settlement-engine/internal/matching"
	"github.com/kursadbilgin/settlement-engine/internal/observability"
	"github.com/kursadbilgin/settlement-engine/internal/queue"
	"github.com/kursadbilgin/settlement-engine/internal/repository"
	"github.com/kursadbilgin/settlement-engine/internal/service"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Container holds every long-lived dependency of a settlement process.
type Container struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics

	DB        *gorm.DB
	Redis     *goredis.Client
	Publisher queue.Publisher
	Gateway   *gateway.SwishGateway

	Batches   *service.MonthlyBatchProcessor
	Deadline  *service.DeadlineEnforcementJob
	Payments  *service.PaymentProcessor
	Reviews   *service.ReviewService
	Reports   *service.ReportService
	Scheduler *service.JobScheduler

	closers []func() error
}

// New connects the stores, runs migrations and builds the services and the
// scheduler with all three jobs registered. Close releases what New opened,
// including on a partial failure.
func New(cfg *config.Config, logger *zap.Logger) (c *Container, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c = &Container{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics(),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, c.Close())
			c = nil
		}
	}()

	c.DB, err = postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return c, fmt.Errorf("postgres initialization failed: %w", err)
	}
	c.closers = append(c.closers, func() error {
		sqlDB, err := c.DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	if err = migrations.Migrate(c.DB); err != nil {
		return c, fmt.Errorf("database migrations failed: %w", err)
	}

	c.Redis, err = infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		return c, fmt.Errorf("redis initialization failed: %w", err)
	}
	c.closers = append(c.closers, c.Redis.Close)

	c.Publisher = queue.NopPublisher{}
	if cfg.RabbitMQURL != "" {
		client, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
		if err != nil {
			return c, fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		publisher := queue.NewRabbitMQPublisher(client)
		c.Publisher = publisher
		c.closers = append(c.closers, publisher.Close)
	} else {
		logger.Warn("RABBITMQ_URL not set, billing events are not published")
	}

	c.Gateway, err = gateway.NewSwishGateway(gateway.SwishConfig{
		BaseURL:    cfg.SwishAPIURL,
		APIKey:     cfg.SwishAPIKey,
		PayerAlias: cfg.SwishPayerAlias,
		Timeout:    cfg.PayoutTimeout,
	})
	if err != nil {
		return c, fmt.Errorf("swish gateway initialization failed: %w", err)
	}

	limiter, err := infraredis.NewRedisRateLimiter(c.Redis, cfg.PayoutRateLimitPerSec)
	if err != nil {
		return c, fmt.Errorf("rate limiter initialization failed: %w", err)
	}
	locker, err := infraredis.NewJobLock(c.Redis, cfg.JobLockTTL)
	if err != nil {
		return c, fmt.Errorf("job lock initialization failed: %w", err)
	}

	if err = c.buildServices(limiter); err != nil {
		return c, err
	}

	loc, err := cfg.Location()
	if err != nil {
		return c, err
	}
	c.Scheduler, err = service.NewJobScheduler(loc, logger)
	if err != nil {
		return c, err
	}
	c.Scheduler.SetMetrics(c.Metrics)
	c.Scheduler.SetLocker(locker)

	jobs := []struct {
		job  service.Job
		spec string
	}{
		{job: service.NewMonthlyBatchJob(c.Batches), spec: cfg.MonthlyBatchSchedule},
		{job: c.Deadline, spec: cfg.DeadlineEnforcementSchedule},
		{job: service.NewMonthlyPaymentsJob(c.Payments), spec: cfg.MonthlyPaymentsSchedule},
	}
	for _, j := range jobs {
		if err = c.Scheduler.Register(j.job, j.spec); err != nil {
			return c, fmt.Errorf("failed to register job %s: %w", j.job.Name(), err)
		}
	}

	return c, nil
}

func (c *Container) buildServices(limiter *infraredis.RedisRateLimiter) error {
	businesses := repository.NewGormBusinessRepo(c.DB)
	batches := repository.NewGormBillingBatchRepo(c.DB)
	verifications := repository.NewGormVerificationRepo(c.DB)
	payments := repository.NewGormPaymentBatchRepo(c.DB)

	var err error
	c.Batches, err = service.NewMonthlyBatchProcessor(businesses, batches, verifications, c.Publisher, service.BatchSettings{
		ReviewWindow: c.Config.ReviewWindow,
		PaymentTerms: c.Config.PaymentTerms(),
	}, c.Logger.Named("batches"))
	if err != nil {
		return err
	}
	c.Batches.SetMetrics(c.Metrics)

	c.Deadline, err = service.NewDeadlineEnforcementJob(batches, verifications, c.Batches, c.Publisher, c.Config.ForceDeadlineMaxHighFraud, c.Logger.Named("deadline"))
	if err != nil {
		return err
	}
	c.Deadline.SetMetrics(c.Metrics)

	c.Payments, err = service.NewPaymentProcessor(batches, verifications, payments, c.Gateway, limiter, c.Publisher, service.PaymentSettings{
		Concurrency:   c.Config.PayoutConcurrency,
		Timeout:       c.Config.PayoutTimeout,
		DefaultRegion: c.Config.PhoneDefaultRegion,
	}, c.Logger.Named("payments"))
	if err != nil {
		return err
	}
	c.Payments.SetMetrics(c.Metrics)

	c.Reviews, err = service.NewReviewService(verifications, batches, c.Logger.Named("reviews"))
	if err != nil {
		return err
	}

	c.Reports, err = service.NewReportService(batches, verifications, matching.DefaultTolerance, c.Logger.Named("reports"))
	return err
}

// HandlerServices exposes the services to the admin HTTP surface.
func (c *Container) HandlerServices() handler.Services {
	return handler.Services{
		Scheduler: c.Scheduler,
		Batches:   c.Batches,
		Deadline:  c.Deadline,
		Reports:   c.Reports,
		Reviews:   c.Reviews,
		Payments:  c.Payments,
	}
}

func (c *Container) HealthChecks() []handler.HealthCheck {
	return []handler.HealthCheck{
		{Name: "postgres", Ping: func(ctx context.Context) error { return postgresql.Ping(ctx, c.DB) }},
		{Name: "redis", Ping: func(ctx context.Context) error { return infraredis.Ping(ctx, c.Redis) }},
	}
}

// Close releases resources in reverse order of acquisition.
func (c *Container) Close() error {
	if c == nil {
		return nil
	}

	var err error
	for i := len(c.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, c.closers[i]())
	}
	c.closers = nil
	return err
}
