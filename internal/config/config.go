// Package config loads process configuration from defaults, an optional
// YAML file and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Gateway and feed drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverNATS     = "nats"
	DriverRedis    = "redis"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Persistence gateway
	GatewayDriver  string
	DatabaseURL    string
	GatewayTimeout time.Duration

	// Retry policy at the gateway boundary
	RetryMaxAttempts     int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// Change feed
	FeedDriver string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Redis settings
	RedisAddress  string
	RedisPassword string
	RedisDB       int

	// Directory refresh bounding
	DirectoryRefreshInterval time.Duration
	DirectoryRefreshBurst    int

	// JWT settings
	JWTSecret string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

var defaults = map[string]any{
	"port":                       "8080",
	"server_read_timeout":        "30s",
	"server_write_timeout":       "0s",
	"gateway_driver":             DriverMemory,
	"database_url":               "",
	"gateway_timeout":            "10s",
	"retry_max_attempts":         4,
	"retry_initial_interval":     "100ms",
	"retry_max_interval":         "2s",
	"feed_driver":                DriverMemory,
	"nats_url":                   "nats://localhost:4222",
	"nats_ca_file":               "",
	"nats_cert_file":             "",
	"nats_key_file":              "",
	"nats_token":                 "",
	"redis_address":              "localhost:6379",
	"redis_password":             "",
	"redis_db":                   0,
	"directory_refresh_interval": "250ms",
	"directory_refresh_burst":    2,
	"jwt_secret":                 "development-secret-change-in-production",
	"rate_limit_requests":        120,
	"rate_limit_window":          "1m",
	"log_level":                  "info",
	"tracing_endpoint":           "localhost:4318",
	"tracing_enabled":            false,
}

// Load reads configuration. CHATSYNC_CONFIG may point at a YAML file whose
// keys match the lower-case environment variable names.
func Load() (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("chatsync_config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		ServerPort:         v.GetString("port"),
		ServerReadTimeout:  v.GetDuration("server_read_timeout"),
		ServerWriteTimeout: v.GetDuration("server_write_timeout"),

		GatewayDriver:  strings.ToLower(v.GetString("gateway_driver")),
		DatabaseURL:    v.GetString("database_url"),
		GatewayTimeout: v.GetDuration("gateway_timeout"),

		RetryMaxAttempts:     v.GetInt("retry_max_attempts"),
		RetryInitialInterval: v.GetDuration("retry_initial_interval"),
		RetryMaxInterval:     v.GetDuration("retry_max_interval"),

		FeedDriver: strings.ToLower(v.GetString("feed_driver")),

		NATSURL:      v.GetString("nats_url"),
		NATSCAFile:   v.GetString("nats_ca_file"),
		NATSCertFile: v.GetString("nats_cert_file"),
		NATSKeyFile:  v.GetString("nats_key_file"),
		NATSToken:    v.GetString("nats_token"),

		RedisAddress:  v.GetString("redis_address"),
		RedisPassword: v.GetString("redis_password"),
		RedisDB:       v.GetInt("redis_db"),

		DirectoryRefreshInterval: v.GetDuration("directory_refresh_interval"),
		DirectoryRefreshBurst:    v.GetInt("directory_refresh_burst"),

		JWTSecret: v.GetString("jwt_secret"),

		RateLimitRequests: v.GetInt("rate_limit_requests"),
		RateLimitWindow:   v.GetDuration("rate_limit_window"),

		LogLevel: v.GetString("log_level"),

		TracingEndpoint: v.GetString("tracing_endpoint"),
		TracingEnabled:  v.GetBool("tracing_enabled"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks driver choices and their required settings.
func (c *Config) Validate() error {
	switch c.GatewayDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the %s gateway", DriverPostgres)
		}
	default:
		return fmt.Errorf("unknown gateway driver %q", c.GatewayDriver)
	}
	switch c.FeedDriver {
	case DriverMemory, DriverNATS, DriverRedis:
	default:
		return fmt.Errorf("unknown feed driver %q", c.FeedDriver)
	}
	if c.GatewayDriver == DriverPostgres && c.FeedDriver == DriverMemory {
		return fmt.Errorf("the %s gateway needs a shared feed driver (nats or redis)", DriverPostgres)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}
