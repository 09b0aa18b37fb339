package config

import (
	"os"
	"path/filepath"
	"testing"

	"portal-relay/src/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestNewConfig_FromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	yaml := `
name: relay-test
port: 9000
upstream:
  base_url: https://127.0.0.1:5000
  host_header: api.ibkr.com
session:
  heartbeat_seconds: 10
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := NewConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "relay-test", cfg.Name)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "api.ibkr.com", cfg.Upstream.HostHeader)
	assert.Equal(t, 10, cfg.Session.HeartbeatSeconds)
	assert.Equal(t, 300, cfg.Session.AllocationRefreshSeconds)
	assert.Equal(t, "memory", cfg.Cache.Backend)
}

func TestNewConfig_MissingFile(t *testing.T) {
	_, err := NewConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv_Overrides(t *testing.T) {
	cfg := &Config{MConfig: &models.MConfig{}}
	cfg.ApplyEnv(envMap(map[string]string{
		EnvBaseURL:       "https://10.0.0.2:5000",
		EnvSessionToken:  "tok",
		EnvRedisAddr:     "redis:6379",
		EnvRedisPassword: "secret",
		EnvAllowPaid:     "true",
	}))
	cfg.ApplyDefaults()

	assert.Equal(t, "https://10.0.0.2:5000", cfg.Upstream.BaseURL)
	assert.Equal(t, "tok", cfg.Upstream.SessionToken)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "secret", cfg.Cache.RedisPassword)
	assert.True(t, cfg.Upstream.AllowPaidEndpoints)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"low port", func(c *Config) { c.Port = 80 }},
		{"bad scheme", func(c *Config) { c.Upstream.BaseURL = "ftp://host" }},
		{"no host", func(c *Config) { c.Upstream.BaseURL = "https://" }},
		{"unknown backend", func(c *Config) { c.Cache.Backend = "memcached" }},
		{"redis without addr", func(c *Config) { c.Cache.Backend = "redis" }},
		{"postgres without dsn", func(c *Config) { c.Cache.Backend = "postgres" }},
		{"zero heartbeat", func(c *Config) { c.Session.HeartbeatSeconds = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{MConfig: &models.MConfig{}}
			cfg.ApplyDefaults()
			require.NoError(t, cfg.Validate())

			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
