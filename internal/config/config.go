package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/coedit/internal/ratelimit"
)

// Config is the main configuration structure for coedit.
type Config struct {
	Version  int            `yaml:"version"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Collab   CollabConfig   `yaml:"collab"`
	Relay    RelayConfig    `yaml:"relay"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AllowedOrigins restricts websocket upgrades. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DatabaseConfig struct {
	// URL is a Postgres/CockroachDB DSN. Empty selects the in-memory stores.
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	MaxIdle         int           `yaml:"max_idle"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

type AuthConfig struct {
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`

	// TrustTokenClaims accepts identities from valid credentials without a
	// user record. Intended for the in-memory development mode.
	TrustTokenClaims bool `yaml:"trust_token_claims"`
}

type APIKeyConfig struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
	Email  string `yaml:"email"`
	Name   string `yaml:"name"`
	Avatar string `yaml:"avatar"`
}

// CollabConfig tunes the realtime session transport.
type CollabConfig struct {
	SendBuffer      int              `yaml:"send_buffer"`
	MaxMessageBytes int64            `yaml:"max_message_bytes"`
	PingInterval    time.Duration    `yaml:"ping_interval"`
	PongWait        time.Duration    `yaml:"pong_wait"`
	WriteWait       time.Duration    `yaml:"write_wait"`
	RateLimit       ratelimit.Config `yaml:"rate_limit"`
}

// RelayConfig configures cross-node broadcast fan-out.
type RelayConfig struct {
	RedisURL      string `yaml:"redis_url"`
	ChannelPrefix string `yaml:"channel_prefix"`
	NodeID        string `yaml:"node_id"`
}

// Enabled reports whether a relay backend is configured.
func (c RelayConfig) Enabled() bool {
	return strings.TrimSpace(c.RedisURL) != ""
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads, merges, defaults, and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.MaxIdle == 0 {
		cfg.Database.MaxIdle = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 10 * time.Second
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Collab.SendBuffer == 0 {
		cfg.Collab.SendBuffer = 256
	}
	if cfg.Collab.MaxMessageBytes == 0 {
		cfg.Collab.MaxMessageBytes = 1 << 20
	}
	if cfg.Collab.PingInterval == 0 {
		cfg.Collab.PingInterval = 15 * time.Second
	}
	if cfg.Collab.PongWait == 0 {
		cfg.Collab.PongWait = 45 * time.Second
	}
	if cfg.Collab.WriteWait == 0 {
		cfg.Collab.WriteWait = 10 * time.Second
	}
	if cfg.Collab.RateLimit.Enabled {
		defaults := ratelimit.DefaultConfig()
		if cfg.Collab.RateLimit.RequestsPerSecond == 0 {
			cfg.Collab.RateLimit.RequestsPerSecond = defaults.RequestsPerSecond
		}
		if cfg.Collab.RateLimit.BurstSize == 0 {
			cfg.Collab.RateLimit.BurstSize = defaults.BurstSize
		}
	}
	if cfg.Relay.ChannelPrefix == "" {
		cfg.Relay.ChannelPrefix = "coedit:doc"
	}
	if cfg.Relay.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Relay.NodeID = host
		}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "coedit"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var issues []string
	if err := ValidateVersion(c.Version); err != nil {
		issues = append(issues, err.Error())
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		issues = append(issues, fmt.Sprintf("server.port must be between 0 and 65535, got %d", c.Server.Port))
	}
	if c.Collab.PongWait <= c.Collab.PingInterval {
		issues = append(issues, "collab.pong_wait must be greater than collab.ping_interval")
	}
	if c.Collab.SendBuffer < 1 {
		issues = append(issues, "collab.send_buffer must be positive")
	}
	if c.Collab.RateLimit.Enabled && c.Collab.RateLimit.RequestsPerSecond < 0 {
		issues = append(issues, "collab.rate_limit.requests_per_second must not be negative")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" && len(c.Auth.APIKeys) == 0 {
		issues = append(issues, "auth requires jwt_secret or at least one api_keys entry")
	}
	for i, key := range c.Auth.APIKeys {
		if strings.TrimSpace(key.Key) == "" {
			issues = append(issues, fmt.Sprintf("auth.api_keys[%d].key is required", i))
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format must be json or text, got %q", c.Logging.Format))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		issues = append(issues, "tracing.sampling_rate must be between 0 and 1")
	}
	if len(issues) > 0 {
		return errors.New("invalid config: " + strings.Join(issues, "; "))
	}
	return nil
}
