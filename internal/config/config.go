package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the docpipe server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Worker   WorkerConfig
	Pipeline PipelineConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// WorkerConfig configures the external analysis worker client.
type WorkerConfig struct {
	BaseURL      string
	APIToken     string
	Timeout      time.Duration
	QueryTimeout time.Duration
}

// PipelineConfig configures the dispatcher and stage orchestrator.
type PipelineConfig struct {
	Consumers      int
	MaxAttempts    int
	ProgressTTL    time.Duration
	LockTTL        time.Duration
	ResultTTL      time.Duration
	StallThreshold time.Duration
	SweepInterval  time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("DOCPIPE_PORT", 8080),
			Env:  envString("DOCPIPE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Worker: WorkerConfig{
			BaseURL:      os.Getenv("WORKER_BASE_URL"),
			APIToken:     os.Getenv("WORKER_API_TOKEN"),
			Timeout:      envDurationSecs("WORKER_TIMEOUT_SECS", 30*time.Second),
			QueryTimeout: envDurationSecs("WORKER_QUERY_TIMEOUT_SECS", 20*time.Second),
		},
		Pipeline: PipelineConfig{
			Consumers:      envInt("PIPELINE_CONSUMERS", 4),
			MaxAttempts:    envInt("PIPELINE_MAX_ATTEMPTS", 3),
			ProgressTTL:    envDuration("PIPELINE_PROGRESS_TTL", time.Hour),
			LockTTL:        envDurationSecs("PIPELINE_LOCK_TTL_SECS", 120*time.Second),
			ResultTTL:      envDuration("PIPELINE_RESULT_TTL", 6*time.Hour),
			StallThreshold: envDuration("PIPELINE_STALL_THRESHOLD", 5*time.Minute),
			SweepInterval:  envDuration("PIPELINE_SWEEP_INTERVAL", time.Minute),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Worker.BaseURL == "" {
		return fmt.Errorf("WORKER_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Worker.BaseURL, "http://") && !strings.HasPrefix(c.Worker.BaseURL, "https://") {
		return fmt.Errorf("WORKER_BASE_URL must start with http:// or https://, got %q", c.Worker.BaseURL)
	}

	if c.Pipeline.Consumers < 1 {
		return fmt.Errorf("PIPELINE_CONSUMERS must be at least 1, got %d", c.Pipeline.Consumers)
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("PIPELINE_MAX_ATTEMPTS must be at least 1, got %d", c.Pipeline.MaxAttempts)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
