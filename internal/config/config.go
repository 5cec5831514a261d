package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the commands look for the config file
const DefaultPath = "configs/payouts.yaml"

// Config is the payment engine configuration
type Config struct {
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`

	Worker struct {
		Concurrency   int           `yaml:"concurrency"`
		LeaseDuration time.Duration `yaml:"lease_duration"`
		PollInterval  time.Duration `yaml:"poll_interval"`
		MaxAttempts   int           `yaml:"max_attempts"`
		RetryBase     time.Duration `yaml:"retry_base"`
	} `yaml:"worker"`

	Monitor struct {
		Interval     time.Duration `yaml:"interval"`
		Window       time.Duration `yaml:"window"`
		QueryTimeout time.Duration `yaml:"query_timeout"`
	} `yaml:"monitor"`

	Scheduler struct {
		Interval             time.Duration `yaml:"interval"`
		BalanceCheckInterval time.Duration `yaml:"balance_check_interval"`
		LockKey              string        `yaml:"lock_key"`
		LockTTL              time.Duration `yaml:"lock_ttl"`
	} `yaml:"scheduler"`

	Chain struct {
		BaseURL        string        `yaml:"base_url"`
		APIKey         string        `yaml:"api_key"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		PollInterval   time.Duration `yaml:"poll_interval"`
		ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
		Decimals       int32         `yaml:"decimals"`
	} `yaml:"chain"`

	Redis struct {
		Addr        string `yaml:"addr"`
		Password    string `yaml:"password"`
		DB          int    `yaml:"db"`
		LockPrefix  string `yaml:"lock_prefix"`
		AlertStream string `yaml:"alert_stream"`
	} `yaml:"redis"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Tracing struct {
		Endpoint    string  `yaml:"endpoint"`
		SampleRatio float64 `yaml:"sample_ratio"`
	} `yaml:"tracing"`
}

// Default returns the configuration used when no file overrides a value
func Default() *Config {
	var cfg Config
	cfg.Database.Driver = "sqlite3"
	cfg.Database.DSN = "payouts.db"

	cfg.Worker.Concurrency = 3
	cfg.Worker.LeaseDuration = 5 * time.Minute
	cfg.Worker.PollInterval = time.Second
	cfg.Worker.MaxAttempts = 3
	cfg.Worker.RetryBase = 5 * time.Second

	cfg.Monitor.Interval = 5 * time.Minute
	cfg.Monitor.Window = 24 * time.Hour
	cfg.Monitor.QueryTimeout = 15 * time.Second

	cfg.Scheduler.Interval = 24 * time.Hour
	cfg.Scheduler.BalanceCheckInterval = 6 * time.Hour
	cfg.Scheduler.LockKey = "recurring-payments"
	cfg.Scheduler.LockTTL = time.Hour

	cfg.Chain.BaseURL = "http://localhost:8545"
	cfg.Chain.RequestTimeout = 15 * time.Second
	cfg.Chain.PollInterval = 4 * time.Second
	cfg.Chain.ConfirmTimeout = 2 * time.Minute
	cfg.Chain.Decimals = 6

	cfg.Redis.LockPrefix = "payouts:lock:"
	cfg.Redis.AlertStream = "payouts:alerts"

	cfg.HTTP.Addr = ":8080"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = ":9090"
	cfg.Log.Level = "info"
	cfg.Tracing.SampleRatio = 1
	return &cfg
}

// Load reads path on top of the defaults and applies environment overrides.
// A missing file is not an error; the defaults and environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Database.Driver = readEnvDefault("PAYOUTS_DB_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = readEnvDefault("PAYOUTS_DB_DSN", cfg.Database.DSN)
	cfg.Worker.Concurrency = readEnvIntDefault("PAYOUTS_WORKER_CONCURRENCY", cfg.Worker.Concurrency)
	cfg.Chain.BaseURL = readEnvDefault("CHAIN_API_URL", cfg.Chain.BaseURL)
	cfg.Chain.APIKey = readEnvDefault("CHAIN_API_KEY", cfg.Chain.APIKey)
	cfg.Redis.Addr = readEnvDefault("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = readEnvDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.HTTP.Addr = readEnvDefault("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.Log.Level = readEnvDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Tracing.Endpoint = readEnvDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.Endpoint)
}

// Validate rejects values the engine cannot run with
func (c *Config) Validate() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker.max_attempts must be positive, got %d", c.Worker.MaxAttempts)
	}
	if c.Worker.LeaseDuration <= 0 {
		return errors.New("worker.lease_duration must be positive")
	}
	if c.Monitor.Interval <= 0 || c.Monitor.Window <= 0 || c.Monitor.QueryTimeout <= 0 {
		return errors.New("monitor durations must be positive")
	}
	if c.Scheduler.Interval <= 0 || c.Scheduler.BalanceCheckInterval <= 0 {
		return errors.New("scheduler intervals must be positive")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1], got %g", c.Tracing.SampleRatio)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("database.dsn is required")
	}
	return nil
}

func readEnvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func readEnvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
