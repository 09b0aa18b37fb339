package models

// MConfig Structure
type MConfig struct {
	Name     string          `yaml:"name"`
	Host     string          `yaml:"host"`
	Port     int             `yaml:"port"`
	LogLevel string          `yaml:"log_level"`
	LogFile  string          `yaml:"log_file"`
	GrpcHost string          `yaml:"grpc_host"`
	GrpcPort int             `yaml:"grpc_port"`
	Upstream MUpstreamConfig `yaml:"upstream"`
	Cache    MCacheConfig    `yaml:"cache"`
	Session  MSessionConfig  `yaml:"session"`
}

type MUpstreamConfig struct {
	BaseURL            string `yaml:"base_url"`
	HostHeader         string `yaml:"host_header"`
	SessionToken       string `yaml:"session_token"`
	RequestTimeout     int    `yaml:"timeout"`
	MaxRetries         int    `yaml:"retries"`
	AllowPaidEndpoints bool   `yaml:"allow_paid_endpoints"`
}

type MCacheConfig struct {
	Backend            string `yaml:"backend"` // memory, redis, sqlite, postgres
	RedisAddr          string `yaml:"redis_addr"`
	RedisPassword      string `yaml:"redis_password"`
	DBPath             string `yaml:"db_path"`
	DBConnectionString string `yaml:"db_connection_string"`
}

// MSessionConfig holds the timings of the upstream socket lifecycle, in seconds.
type MSessionConfig struct {
	HeartbeatSeconds         int `yaml:"heartbeat_seconds"`
	AllocationRefreshSeconds int `yaml:"allocation_refresh_seconds"`
	AllocationRetrySeconds   int `yaml:"allocation_retry_seconds"`
	ReconnectDelaySeconds    int `yaml:"reconnect_delay_seconds"`
	ShutdownTimeoutSeconds   int `yaml:"shutdown_timeout_seconds"`
	DetachGraceSeconds       int `yaml:"detach_grace_seconds"`
	SubscribeSpacingMillis   int `yaml:"subscribe_spacing_millis"`
}
