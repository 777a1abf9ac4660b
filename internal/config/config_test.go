package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// production skips the .env lookup so the working directory does not leak in
func setProduction(t *testing.T) {
	t.Setenv("MAILMIGRATE_ENV", "production")
}

func TestNewConfig(t *testing.T) {
	setProduction(t)
	t.Setenv("PORT", "3000")
	t.Setenv("DATA_DIR", "/var/lib/mailmigrate")
	t.Setenv("DB_DRIVER", "sqlite3")
	t.Setenv("BETTER_AUTH_URL", "http://auth:3000")
	t.Setenv("NATS_URL", "nats://nats:4222")
	t.Setenv("BATCH_SIZE", "250")
	t.Setenv("RATE_LIMIT_REQUESTS", "120")
	t.Setenv("RETRY_MAX", "3")
	t.Setenv("RETRY_INITIAL_BACKOFF", "500ms")
	t.Setenv("RETRY_MAX_BACKOFF", "30s")
	t.Setenv("MAX_ATTACHMENT_BYTES", "1048576")
	t.Setenv("REPORT_SINK", "s3")
	t.Setenv("REPORT_BUCKET", "reports")

	config, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, "production", config.Environment)
	assert.Equal(t, "3000", config.Port)
	assert.Equal(t, "sqlite3", config.DBDriver)
	assert.Equal(t, "http://auth:3000", config.BetterAuthURL)
	assert.Equal(t, "nats://nats:4222", config.NATSURL)
	assert.Equal(t, 250, config.BatchSize)
	assert.Equal(t, 120, config.RateLimit)
	assert.EqualValues(t, 1048576, config.MaxAttachmentBytes)
	assert.Equal(t, "reports", config.ReportBucket)
	assert.Equal(t, filepath.Join("/var/lib/mailmigrate", "mailmigrate.db"), config.DBPath())

	p := config.RetryPolicy()
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, p.InitialBackoff)
	assert.Equal(t, 30*time.Second, p.MaxBackoff)
	assert.Equal(t, 2.0, p.Multiplier)
}

func TestNewConfigWithDefaults(t *testing.T) {
	setProduction(t)
	for _, key := range []string{"PORT", "DATA_DIR", "DB_DRIVER", "BATCH_SIZE", "RATE_LIMIT_REQUESTS", "RETRY_MAX", "REPORT_SINK", "LOG_LEVEL", "YAHOO_IMAP_ADDR"} {
		t.Setenv(key, "")
	}

	config, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", config.Port)
	assert.Equal(t, "data", config.DataDir)
	assert.Equal(t, "sqlite", config.DBDriver)
	assert.Equal(t, 100, config.BatchSize)
	assert.Equal(t, 60, config.RateLimit)
	assert.Equal(t, 5, config.RetryMax)
	assert.Equal(t, time.Second, config.RetryInitial)
	assert.Equal(t, time.Minute, config.RetryMaxBackoff)
	assert.Equal(t, "file", config.ReportSink)
	assert.Equal(t, "imap.mail.yahoo.com:993", config.YahooIMAPAddr)
	assert.Equal(t, "info", config.LogLevel)
}

func TestNewConfigRejectsBadNumbers(t *testing.T) {
	setProduction(t)
	t.Setenv("BATCH_SIZE", "many")
	_, err := NewConfig()
	assert.ErrorContains(t, err, "BATCH_SIZE")

	t.Setenv("BATCH_SIZE", "")
	t.Setenv("RETRY_MAX_BACKOFF", "soon")
	_, err = NewConfig()
	assert.ErrorContains(t, err, "RETRY_MAX_BACKOFF")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{DBDriver: "sqlite", ReportSink: "file", BatchSize: 100, LogLevel: "info"}
	}

	cases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.DBDriver = "postgres" }, "DB_DRIVER"},
		{"unknown sink", func(c *Config) { c.ReportSink = "ftp" }, "REPORT_SINK"},
		{"s3 without bucket", func(c *Config) { c.ReportSink = "s3" }, "REPORT_BUCKET"},
		{"gcs without bucket", func(c *Config) { c.ReportSink = "gcs" }, "REPORT_BUCKET"},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, "BATCH_SIZE"},
		{"negative rate", func(c *Config) { c.RateLimit = -1 }, "RATE_LIMIT_REQUESTS"},
		{"negative retries", func(c *Config) { c.RetryMax = -1 }, "RETRY_MAX"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "LOG_LEVEL"},
	}

	require.NoError(t, valid().Validate())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(c)
			assert.ErrorContains(t, c.Validate(), tc.want)
		})
	}
}
