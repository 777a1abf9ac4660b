package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mail-migrator/internal/eventstore/sqlite"
	"github.com/Martian-dev/mail-migrator/internal/retry"
)

type Config struct {
	Environment        string
	Port               string
	DataDir            string
	DBDriver           string
	BetterAuthURL      string
	JWKSURL            string
	NATSURL            string
	RedisURL           string
	YahooIMAPAddr      string
	BatchSize          int
	RateLimit          int
	RetryMax           int
	RetryInitial       time.Duration
	RetryMaxBackoff    time.Duration
	MaxAttachmentBytes int64
	ReportSink         string
	ReportBucket       string
	ReportRegion       string
	LogLevel           string
}

// NewConfig reads the environment, loading .env first in development
func NewConfig() (*Config, error) {
	env := getEnvOrDefault("MAILMIGRATE_ENV", "development")

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			log.Debug().Msg(".env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:   env,
		Port:          getEnvOrDefault("PORT", "8080"),
		DataDir:       getEnvOrDefault("DATA_DIR", "data"),
		DBDriver:      getEnvOrDefault("DB_DRIVER", sqlite.DriverModernc),
		BetterAuthURL: os.Getenv("BETTER_AUTH_URL"),
		JWKSURL:       os.Getenv("JWKS_URL"),
		NATSURL:       os.Getenv("NATS_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		YahooIMAPAddr: getEnvOrDefault("YAHOO_IMAP_ADDR", "imap.mail.yahoo.com:993"),
		ReportSink:    getEnvOrDefault("REPORT_SINK", "file"),
		ReportBucket:  os.Getenv("REPORT_BUCKET"),
		ReportRegion:  getEnvOrDefault("REPORT_REGION", "us-east-1"),
		LogLevel:      getEnvOrDefault("LOG_LEVEL", "info"),
	}

	var err error
	if config.BatchSize, err = getIntOrDefault("BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if config.RateLimit, err = getIntOrDefault("RATE_LIMIT_REQUESTS", 60); err != nil {
		return nil, err
	}
	if config.RetryMax, err = getIntOrDefault("RETRY_MAX", 5); err != nil {
		return nil, err
	}
	if config.RetryInitial, err = getDurationOrDefault("RETRY_INITIAL_BACKOFF", time.Second); err != nil {
		return nil, err
	}
	if config.RetryMaxBackoff, err = getDurationOrDefault("RETRY_MAX_BACKOFF", time.Minute); err != nil {
		return nil, err
	}
	maxAttachment, err := getIntOrDefault("MAX_ATTACHMENT_BYTES", 0)
	if err != nil {
		return nil, err
	}
	config.MaxAttachmentBytes = int64(maxAttachment)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	switch c.DBDriver {
	case sqlite.DriverModernc, sqlite.DriverMattn:
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q, got %q", sqlite.DriverModernc, sqlite.DriverMattn, c.DBDriver)
	}

	switch c.ReportSink {
	case "file", "none":
	case "s3", "gcs":
		if c.ReportBucket == "" {
			return fmt.Errorf("REPORT_BUCKET is required for REPORT_SINK=%s", c.ReportSink)
		}
	default:
		return fmt.Errorf("REPORT_SINK must be file, s3, gcs or none, got %q", c.ReportSink)
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must not be negative, got %d", c.RateLimit)
	}
	if c.RetryMax < 0 {
		return fmt.Errorf("RETRY_MAX must not be negative, got %d", c.RetryMax)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}

	return nil
}

// RetryPolicy is the provider retry policy the environment describes
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxRetries = c.RetryMax
	p.InitialBackoff = c.RetryInitial
	p.MaxBackoff = c.RetryMaxBackoff
	return p
}

// DBPath is the sqlite database file under DataDir
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "mailmigrate.db")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
