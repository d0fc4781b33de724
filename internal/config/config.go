// Package config loads the YAML configuration shared by the sync core and the
// message log service. ${VAR} references are expanded from the environment and
// duration strings are parsed into time.Duration values.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	AMQP      AMQPConfig      `yaml:"amqp"`
	Auth      AuthConfig      `yaml:"auth"`
	Presence  PresenceConfig  `yaml:"presence"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
	Debug     DebugConfig     `yaml:"debug"`

	Session      SessionConfig      `yaml:"session"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Send         SendConfig         `yaml:"send"`
	Scroll       ScrollConfig       `yaml:"scroll"`
	History      HistoryConfig      `yaml:"history"`
}

// ServerConfig holds listen addresses of the log service.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// DatabaseConfig holds the postgres connection string.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// AMQPConfig holds the event broker settings. An empty URL disables publishing.
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// AuthConfig holds the HMAC secret used to verify bearer tokens.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// PresenceConfig holds server side presence settings.
type PresenceConfig struct {
	SweepInterval    time.Duration `yaml:"-"`
	SweepIntervalRaw string        `yaml:"sweep_interval"`
}

// RateLimitConfig holds the per user request budget.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// TelemetryConfig holds tracing settings. An empty endpoint disables export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DebugConfig toggles debug routes.
type DebugConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SessionConfig holds presence lease timing of a client session.
type SessionConfig struct {
	LeaseDuration time.Duration `yaml:"-"`
	RenewalPeriod time.Duration `yaml:"-"`

	LeaseDurationRaw string `yaml:"lease_duration"`
	RenewalPeriodRaw string `yaml:"renewal_period"`
}

// SubscriptionConfig holds reconnect backoff bounds.
type SubscriptionConfig struct {
	InitialBackoff time.Duration `yaml:"-"`
	MaxBackoff     time.Duration `yaml:"-"`

	InitialBackoffRaw string `yaml:"initial_backoff"`
	MaxBackoffRaw     string `yaml:"max_backoff"`
}

// SendConfig holds limits for optimistic sends.
type SendConfig struct {
	MaxContentLength int           `yaml:"max_content_length"`
	RetryMaxElapsed  time.Duration `yaml:"-"`

	RetryMaxElapsedRaw string `yaml:"retry_max_elapsed"`
}

// ScrollConfig holds viewport anchoring settings.
type ScrollConfig struct {
	BottomThreshold float64 `yaml:"bottom_threshold"`
}

// HistoryConfig holds pagination settings.
type HistoryConfig struct {
	PageSize int `yaml:"page_size"`
}

// Default returns a configuration with every optional value set.
func Default() Config {
	return Config{
		Server:    ServerConfig{HTTPAddr: ":8080", GRPCAddr: ":9090"},
		AMQP:      AMQPConfig{Exchange: "chat.events"},
		Presence:  PresenceConfig{SweepInterval: 5 * time.Second},
		RateLimit: RateLimitConfig{PerSecond: 20, Burst: 40},
		Telemetry: TelemetryConfig{ServiceName: "chat-sync"},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
		Session: SessionConfig{
			LeaseDuration: 30 * time.Second,
			RenewalPeriod: 10 * time.Second,
		},
		Subscription: SubscriptionConfig{
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
		Send: SendConfig{
			MaxContentLength: 4000,
			RetryMaxElapsed:  15 * time.Second,
		},
		Scroll:  ScrollConfig{BottomThreshold: 48},
		History: HistoryConfig{PageSize: 50},
	}
}

// Load reads a configuration file on top of Default and validates the sync
// core sections.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration on top of Default.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the environment value, or an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"presence.sweep_interval", cfg.Presence.SweepIntervalRaw, &cfg.Presence.SweepInterval},
		{"session.lease_duration", cfg.Session.LeaseDurationRaw, &cfg.Session.LeaseDuration},
		{"session.renewal_period", cfg.Session.RenewalPeriodRaw, &cfg.Session.RenewalPeriod},
		{"subscription.initial_backoff", cfg.Subscription.InitialBackoffRaw, &cfg.Subscription.InitialBackoff},
		{"subscription.max_backoff", cfg.Subscription.MaxBackoffRaw, &cfg.Subscription.MaxBackoff},
		{"send.retry_max_elapsed", cfg.Send.RetryMaxElapsedRaw, &cfg.Send.RetryMaxElapsed},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks the sync core sections and returns the first violation.
func (c *Config) Validate() error {
	if err := c.Session.Validate(); err != nil {
		return err
	}
	if err := c.Subscription.Validate(); err != nil {
		return err
	}
	if c.Send.MaxContentLength <= 0 {
		return errors.New("send.max_content_length must be positive")
	}
	if c.Send.RetryMaxElapsed <= 0 {
		return errors.New("send.retry_max_elapsed must be positive")
	}
	if c.Scroll.BottomThreshold < 0 {
		return errors.New("scroll.bottom_threshold must not be negative")
	}
	if c.History.PageSize <= 0 {
		return errors.New("history.page_size must be positive")
	}
	return nil
}

// ValidateServer checks the sections the log service needs to boot.
func (c *Config) ValidateServer() error {
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required")
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Presence.SweepInterval <= 0 {
		return errors.New("presence.sweep_interval must be positive")
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return errors.New("rate_limit.per_second and rate_limit.burst must be positive")
	}
	return nil
}

// Validate requires the lease to outlast one missed renewal: the lease must
// be at least two renewal periods long.
func (s SessionConfig) Validate() error {
	if s.RenewalPeriod <= 0 {
		return errors.New("session.renewal_period must be positive")
	}
	if s.LeaseDuration < s.RenewalPeriod+s.SafetyMargin() {
		return fmt.Errorf("session.lease_duration %s must be at least renewal_period plus margin (%s)",
			s.LeaseDuration, s.RenewalPeriod+s.SafetyMargin())
	}
	return nil
}

// SafetyMargin is the slack a lease keeps over the renewal period.
func (s SessionConfig) SafetyMargin() time.Duration {
	return s.RenewalPeriod
}

// Validate checks the backoff bounds.
func (s SubscriptionConfig) Validate() error {
	if s.InitialBackoff <= 0 {
		return errors.New("subscription.initial_backoff must be positive")
	}
	if s.MaxBackoff < s.InitialBackoff {
		return errors.New("subscription.max_backoff must not be below initial_backoff")
	}
	return nil
}
