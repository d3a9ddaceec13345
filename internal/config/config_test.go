package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, DriverMemory, cfg.GatewayDriver)
	assert.Equal(t, DriverMemory, cfg.FeedDriver)
	assert.Equal(t, 4, cfg.RetryMaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryInitialInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.DirectoryRefreshInterval)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("FEED_DRIVER", "NATS")
	t.Setenv("RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("DIRECTORY_REFRESH_INTERVAL", "1s")
	t.Setenv("TRACING_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, DriverNATS, cfg.FeedDriver)
	assert.Equal(t, 7, cfg.RetryMaxAttempts)
	assert.Equal(t, time.Second, cfg.DirectoryRefreshInterval)
	assert.True(t, cfg.TracingEnabled)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("feed_driver: redis\nredis_address: cache:6379\nlog_level: debug\n"), 0o600))
	t.Setenv("CHATSYNC_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverRedis, cfg.FeedDriver)
	assert.Equal(t, "cache:6379", cfg.RedisAddress)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"memory defaults", func(*Config) {}, false},
		{"postgres without url", func(c *Config) { c.GatewayDriver = DriverPostgres; c.FeedDriver = DriverNATS }, true},
		{"postgres with memory feed", func(c *Config) { c.GatewayDriver = DriverPostgres; c.DatabaseURL = "postgres://x" }, true},
		{"postgres with nats", func(c *Config) {
			c.GatewayDriver = DriverPostgres
			c.DatabaseURL = "postgres://x"
			c.FeedDriver = DriverNATS
		}, false},
		{"unknown feed", func(c *Config) { c.FeedDriver = "kafka" }, true},
		{"zero attempts", func(c *Config) { c.RetryMaxAttempts = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{GatewayDriver: DriverMemory, FeedDriver: DriverMemory, RetryMaxAttempts: 1}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
