package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"portal-relay/src/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the YAML file.
const (
	EnvBaseURL       = "PORTAL_BASE_URL"
	EnvHostHeader    = "PORTAL_HOST_HEADER"
	EnvSessionToken  = "PORTAL_SESSION_TOKEN"
	EnvCacheBackend  = "CACHE_BACKEND"
	EnvRedisAddr     = "REDIS_ADDR"
	EnvRedisPassword = "REDIS_PASSWORD"
	EnvAllowPaid     = "ALLOW_PAID_ENDPOINTS"
)

// -----------------------------------------------------------------------------

// Config wraps models.MConfig and provides business logic methods
type Config struct {
	*models.MConfig
}

// -----------------------------------------------------------------------------

// NewConfig loads the YAML file (optional when configPath is empty), a .env file
// if present, applies environment overrides and defaults, then validates.
func NewConfig(configPath string) (*Config, error) {
	var modelConfig models.MConfig

	// 1. Read the YAML file content
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, &modelConfig); err != nil {
			return nil, fmt.Errorf("failed to parse config from YAML: %w", err)
		}
	}

	// 2. Environment (a missing .env is fine)
	_ = godotenv.Load()

	config := &Config{MConfig: &modelConfig}
	config.ApplyEnv(os.Getenv)
	config.ApplyDefaults()

	// 3. Validate the loaded configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// -----------------------------------------------------------------------------

// ApplyEnv overrides fields from the environment. getenv is injected for tests.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvBaseURL)); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := strings.TrimSpace(getenv(EnvHostHeader)); v != "" {
		c.Upstream.HostHeader = v
	}
	if v := strings.TrimSpace(getenv(EnvSessionToken)); v != "" {
		c.Upstream.SessionToken = v
	}
	if v := strings.TrimSpace(getenv(EnvCacheBackend)); v != "" {
		c.Cache.Backend = v
	}
	if v := strings.TrimSpace(getenv(EnvRedisAddr)); v != "" {
		c.Cache.RedisAddr = v
		if c.Cache.Backend == "" {
			c.Cache.Backend = "redis"
		}
	}
	if v := getenv(EnvRedisPassword); v != "" {
		c.Cache.RedisPassword = v
	}
	if v := strings.TrimSpace(getenv(EnvAllowPaid)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Upstream.AllowPaidEndpoints = b
		}
	}
}

// -----------------------------------------------------------------------------

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "portal-relay"
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.GrpcHost == "" {
		c.GrpcHost = "127.0.0.1"
	}
	if c.GrpcPort == 0 {
		c.GrpcPort = 50051
	}

	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://localhost:5000"
	}
	if c.Upstream.RequestTimeout == 0 {
		c.Upstream.RequestTimeout = 15
	}
	if c.Upstream.MaxRetries == 0 {
		c.Upstream.MaxRetries = 3
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.Backend == "sqlite" && c.Cache.DBPath == "" {
		c.Cache.DBPath = "relay-cache.db"
	}

	s := &c.Session
	if s.HeartbeatSeconds == 0 {
		s.HeartbeatSeconds = 30
	}
	if s.AllocationRefreshSeconds == 0 {
		s.AllocationRefreshSeconds = 300
	}
	if s.AllocationRetrySeconds == 0 {
		s.AllocationRetrySeconds = 60
	}
	if s.ReconnectDelaySeconds == 0 {
		s.ReconnectDelaySeconds = 15
	}
	if s.ShutdownTimeoutSeconds == 0 {
		s.ShutdownTimeoutSeconds = 5
	}
	if s.DetachGraceSeconds == 0 {
		s.DetachGraceSeconds = 30
	}
	if s.SubscribeSpacingMillis == 0 {
		s.SubscribeSpacingMillis = 50
	}
}

// -----------------------------------------------------------------------------

// Validate performs basic configuration validation
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("application name cannot be empty")
	}

	// Server
	if c.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Port <= 1024 || c.Port > 65535 {
		return fmt.Errorf("invalid server port number: %d (must be between 1025 and 65535)", c.Port)
	}

	// Upstream
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid upstream base url '%s'", c.Upstream.BaseURL)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("upstream base url must be http or https, got '%s'", u.Scheme)
	}
	if c.Upstream.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be greater than 0")
	}
	if c.Upstream.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1")
	}

	// Cache
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("redis address cannot be empty for redis cache")
		}
	case "sqlite":
		if c.Cache.DBPath == "" {
			return fmt.Errorf("database path cannot be empty for sqlite")
		}
	case "postgres":
		if c.Cache.DBConnectionString == "" {
			return fmt.Errorf("connection string cannot be empty for postgres")
		}
	default:
		return fmt.Errorf("unknown cache backend '%s'", c.Cache.Backend)
	}

	// Session timings
	s := c.Session
	if s.HeartbeatSeconds <= 0 || s.AllocationRefreshSeconds <= 0 || s.AllocationRetrySeconds <= 0 {
		return fmt.Errorf("session intervals must be greater than 0")
	}
	if s.ReconnectDelaySeconds < 0 || s.ShutdownTimeoutSeconds <= 0 || s.DetachGraceSeconds < 0 {
		return fmt.Errorf("invalid session timings")
	}

	return nil
}
