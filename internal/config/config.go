// Package config loads process-level settings for the gena coordinator
// driver from environment variables. Every setting has a default; Load
// fails only on a value that does not parse or is out of range.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the gena coordinator driver.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	DataDir string

	WorkersConfigPath string

	DefaultJobTimeout time.Duration
	DefaultMaxRetries int
	MaxConcurrentJobs int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("GENA_BIND_ADDR", ""),
		MetricsNamespace:  envOrDefault("GENA_METRICS_NAMESPACE", "gena"),
		AllowAnyOrigin:    false,
		DataDir:           stringsTrimSpace("GENA_DATA_DIR"),
		WorkersConfigPath: stringsTrimSpace("GENA_WORKERS_CONFIG"),
		DefaultJobTimeout: 60 * time.Second,
		DefaultMaxRetries: 3,
		MaxConcurrentJobs: 8,
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:   15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("GENA_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultJobTimeout, err = durationFromEnv("GENA_DEFAULT_JOB_TIMEOUT", cfg.DefaultJobTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultMaxRetries, err = intFromEnv("GENA_DEFAULT_MAX_RETRIES", cfg.DefaultMaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentJobs, err = intFromEnv("GENA_MAX_CONCURRENT_JOBS", cfg.MaxConcurrentJobs)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("GENA_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.DefaultJobTimeout < time.Second {
		return Config{}, fmt.Errorf("GENA_DEFAULT_JOB_TIMEOUT must be at least 1s")
	}
	if cfg.DefaultMaxRetries < 0 {
		return Config{}, fmt.Errorf("GENA_DEFAULT_MAX_RETRIES must be >= 0")
	}
	if cfg.MaxConcurrentJobs <= 0 {
		return Config{}, fmt.Errorf("GENA_MAX_CONCURRENT_JOBS must be positive")
	}

	return cfg, nil
}

// MonitorEnabled reports whether the optional monitor HTTP server
// should start: it is off unless a bind address was configured.
func (c Config) MonitorEnabled() bool {
	return strings.TrimSpace(c.BindAddr) != ""
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
