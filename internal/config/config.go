package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalidConfig   = errors.New("invalid configuration")
)

// Port is a TCP port read with number coercion: surrounding whitespace is
// ignored and integral floats such as "3000.0" are accepted.
type Port int

func (p *Port) Decode(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		*p = 0
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("PORT must be a number, got %q", value)
	}
	if f != math.Trunc(f) {
		return fmt.Errorf("PORT must be an integer, got %q", value)
	}
	if f < math.MinInt32 || f > math.MaxInt32 {
		return fmt.Errorf("PORT is out of range, got %q", value)
	}
	*p = Port(f)
	return nil
}

type Config struct {
	// Server
	Port Port `envconfig:"PORT" required:"true"`

	DBHost    string `envconfig:"DB_HOST" default:"localhost"`
	DBPort    int    `envconfig:"DB_PORT" default:"5432"`
	DBUser    string `envconfig:"DB_USER" default:"taskforge"`
	DBPass    string `envconfig:"DB_PASS" default:"password"`
	DBName    string `envconfig:"DB_NAME" default:"taskforge"`
	DBSSLMode string `envconfig:"DB_SSLMODE" default:"disable"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	NSQDHost   string `envconfig:"NSQD_HOST" default:"localhost:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"localhost:4151"`
	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:""`

	EnableAPI    bool `envconfig:"ENABLE_API" default:"true"`
	EnableWorker bool `envconfig:"ENABLE_WORKER" default:"true"`

	// Worker
	WorkerConcurrency    int     `envconfig:"WORKER_CONCURRENCY" default:"10"`
	WorkerRateLimit      float64 `envconfig:"WORKER_RATE_LIMIT" default:"0"`
	JobTimeoutSeconds    int     `envconfig:"JOB_TIMEOUT_SECONDS" default:"60"`
	RetryBaseDelayMS     int     `envconfig:"RETRY_BASE_DELAY_MS" default:"1000"`
	RetryMaxDelayMS      int     `envconfig:"RETRY_MAX_DELAY_MS" default:"300000"`
	SweepIntervalSeconds int     `envconfig:"SWEEP_INTERVAL_SECONDS" default:"30"`
	StaleRunningSeconds  int     `envconfig:"STALE_RUNNING_SECONDS" default:"300"`

	// Listing
	ListDefaultLimit int `envconfig:"LIST_DEFAULT_LIMIT" default:"50"`
	ListMaxLimit     int `envconfig:"LIST_MAX_LIMIT" default:"500"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("%w: PORT must be a positive integer, got %d", ErrInvalidConfig, c.Port)
	}
	if c.Port > 65535 {
		return fmt.Errorf("%w: PORT must be at most 65535, got %d", ErrInvalidConfig, c.Port)
	}
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.EnableWorker && c.WorkerConcurrency <= 0 {
		return fmt.Errorf("%w: WORKER_CONCURRENCY must be positive", ErrInvalidConfig)
	}
	if c.EnableWorker && c.StaleRunningSeconds <= c.JobTimeoutSeconds {
		return fmt.Errorf("%w: STALE_RUNNING_SECONDS (%d) must exceed JOB_TIMEOUT_SECONDS (%d)", ErrInvalidConfig, c.StaleRunningSeconds, c.JobTimeoutSeconds)
	}
	if c.WorkerRateLimit < 0 {
		return fmt.Errorf("%w: WORKER_RATE_LIMIT must not be negative", ErrInvalidConfig)
	}
	if c.ListDefaultLimit <= 0 || c.ListMaxLimit <= 0 {
		return fmt.Errorf("%w: LIST_DEFAULT_LIMIT and LIST_MAX_LIMIT must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName, c.DBSSLMode)
}

func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *Config) StaleRunningAfter() time.Duration {
	return time.Duration(c.StaleRunningSeconds) * time.Second
}

func (c *Config) RetryDelays() (base, maxDelay time.Duration) {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond, time.Duration(c.RetryMaxDelayMS) * time.Millisecond
}
