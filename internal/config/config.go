package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

type Config struct {
	DatabaseDSN       string        `env:"DATABASE_DSN,required=true"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS,default=25"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS,default=5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME,default=1h"`
	RedisURL          string        `env:"REDIS_URL,required=true"`
	RabbitMQURL       string        `env:"RABBITMQ_URL"`

	SwishAPIURL     string `env:"SWISH_API_URL,required=true"`
	SwishAPIKey     string `env:"SWISH_API_KEY"`
	SwishPayerAlias string `env:"SWISH_PAYER_ALIAS"`

	PayoutConcurrency     int           `env:"PAYOUT_CONCURRENCY,default=4"`
	PayoutTimeout         time.Duration `env:"PAYOUT_TIMEOUT,default=10s"`
	PayoutRateLimitPerSec int           `env:"PAYOUT_RATE_LIMIT_PER_SEC,default=20"`
	PhoneDefaultRegion    string        `env:"PHONE_DEFAULT_REGION,default=SE"`

	ReviewWindow              time.Duration `env:"REVIEW_WINDOW,default=168h"`
	PaymentTermsDays          int           `env:"PAYMENT_TERMS_DAYS,default=30"`
	ForceDeadlineMaxHighFraud int           `env:"FORCE_DEADLINE_MAX_HIGH_FRAUD,default=0"`

	MonthlyBatchSchedule        string        `env:"MONTHLY_BATCH_SCHEDULE,default=@every 1h"`
	DeadlineEnforcementSchedule string        `env:"DEADLINE_ENFORCEMENT_SCHEDULE,default=@every 15m"`
	MonthlyPaymentsSchedule     string        `env:"MONTHLY_PAYMENTS_SCHEDULE,default=0 6 * * *"`
	JobLockTTL                  time.Duration `env:"JOB_LOCK_TTL,default=30m"`
	SchedulerTimezone           string        `env:"SCHEDULER_TIMEZONE,default=Europe/Stockholm"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadWithDotEnv reads the given .env files (default ".env") into the
// process environment before Load. Missing files are ignored; variables
// already set win.
func LoadWithDotEnv(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
	return Load()
}

func (c *Config) Validate() error {
	required := map[string]string{
		"DATABASE_DSN":  c.DatabaseDSN,
		"REDIS_URL":     c.RedisURL,
		"SWISH_API_URL": c.SwishAPIURL,
	}
	for key, value := range required {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s must not be empty", key)
		}
	}
	if c.PayoutConcurrency < 1 {
		return fmt.Errorf("PAYOUT_CONCURRENCY must be at least 1, got %d", c.PayoutConcurrency)
	}
	if c.PayoutTimeout <= 0 {
		return fmt.Errorf("PAYOUT_TIMEOUT must be positive")
	}
	if c.ReviewWindow <= 0 {
		return fmt.Errorf("REVIEW_WINDOW must be positive")
	}
	if c.PaymentTermsDays < 0 {
		return fmt.Errorf("PAYMENT_TERMS_DAYS must not be negative")
	}
	if c.ForceDeadlineMaxHighFraud < 0 {
		return fmt.Errorf("FORCE_DEADLINE_MAX_HIGH_FRAUD must not be negative")
	}
	if region := strings.TrimSpace(c.PhoneDefaultRegion); len(region) != 2 {
		return fmt.Errorf("PHONE_DEFAULT_REGION must be a two-letter region code, got %q", c.PhoneDefaultRegion)
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	schedules := map[string]string{
		"MONTHLY_BATCH_SCHEDULE":        c.MonthlyBatchSchedule,
		"DEADLINE_ENFORCEMENT_SCHEDULE": c.DeadlineEnforcementSchedule,
		"MONTHLY_PAYMENTS_SCHEDULE":     c.MonthlyPaymentsSchedule,
	}
	for key, spec := range schedules {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s: invalid schedule %q: %w", key, spec, err)
		}
	}
	return nil
}

// Location resolves SCHEDULER_TIMEZONE.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(strings.TrimSpace(c.SchedulerTimezone))
	if err != nil {
		return nil, fmt.Errorf("SCHEDULER_TIMEZONE: %w", err)
	}
	return loc, nil
}

// PaymentTerms is the time between period end and the store's payment due
// date.
func (c *Config) PaymentTerms() time.Duration {
	return time.Duration(c.PaymentTermsDays) * 24 * time.Hour
}
