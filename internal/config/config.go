// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	UploadServiceURL string `env:"UPLOAD_SERVICE_URL,required"`
	ServerPort       string `env:"SERVER_PORT" envDefault:"8080"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	HistoryDBPath    string `env:"HISTORY_DB_PATH" envDefault:"transfers.db"`

	MaxConcurrentUploads int   `env:"MAX_CONCURRENT_UPLOADS" envDefault:"3"`
	MaxRetries           int   `env:"MAX_RETRIES" envDefault:"3"`
	RetryDelayMs         int   `env:"RETRY_DELAY_MS" envDefault:"1000"`
	ChunkSizeBytes       int64 `env:"CHUNK_SIZE_BYTES" envDefault:"1048576"`
	TimeoutMs            int   `env:"TIMEOUT_MS" envDefault:"30000"`

	EnableBandwidthThrottling bool  `env:"ENABLE_BANDWIDTH_THROTTLING" envDefault:"false"`
	MaxBandwidthBytes         int64 `env:"MAX_BANDWIDTH_BYTES" envDefault:"0"`
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if file doesn't exist)
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.UploadServiceURL == "" {
		return fmt.Errorf("UPLOAD_SERVICE_URL is required")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	logLevel := strings.ToLower(c.LogLevel)
	isValidLevel := false
	for _, level := range validLogLevels {
		if logLevel == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("invalid log level %q, must be one of: %v", c.LogLevel, validLogLevels)
	}

	if c.MaxConcurrentUploads <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_UPLOADS must be positive, got %d", c.MaxConcurrentUploads)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES cannot be negative, got %d", c.MaxRetries)
	}
	if c.RetryDelayMs <= 0 {
		return fmt.Errorf("RETRY_DELAY_MS must be positive, got %d", c.RetryDelayMs)
	}
	if c.ChunkSizeBytes <= 0 {
		return fmt.Errorf("CHUNK_SIZE_BYTES must be positive, got %d", c.ChunkSizeBytes)
	}
	if c.TimeoutMs <= 0 {
		return fmt.Errorf("TIMEOUT_MS must be positive, got %d", c.TimeoutMs)
	}
	if c.EnableBandwidthThrottling && c.MaxBandwidthBytes <= 0 {
		return fmt.Errorf("MAX_BANDWIDTH_BYTES must be positive when throttling is enabled")
	}

	return nil
}

// RetryDelay returns the base retry delay as a duration
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// Timeout returns the per-transfer no-progress timeout as a duration
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}
