// ABOUTME: Configuration loading and parsing for fireside-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete fireside-gateway configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Tailscale     TailscaleConfig     `yaml:"tailscale" toml:"tailscale"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	Broker        BrokerConfig        `yaml:"broker" toml:"broker"`
	Conversations ConversationsConfig `yaml:"conversations" toml:"conversations"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve HTTPS with Tailscale-provisioned certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// BrokerConfig holds WebSocket broker tuning
type BrokerConfig struct {
	SendBuffer     int      `yaml:"send_buffer" toml:"send_buffer"`
	MaxFrameBytes  int64    `yaml:"max_frame_bytes" toml:"max_frame_bytes"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`

	WriteWait   time.Duration `yaml:"-" toml:"-"`
	PingPeriod  time.Duration `yaml:"-" toml:"-"`
	ReadTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	WriteWaitRaw   string `yaml:"write_wait" toml:"write_wait"`
	PingPeriodRaw  string `yaml:"ping_period" toml:"ping_period"`
	ReadTimeoutRaw string `yaml:"read_timeout" toml:"read_timeout"`
}

// ConversationsConfig holds conversation service settings
type ConversationsConfig struct {
	PreviewLength    int `yaml:"preview_length" toml:"preview_length"`
	DefaultMaxActive int `yaml:"default_max_active" toml:"default_max_active"` // slot cap for users added without --max

	IdempotencyTTL     time.Duration `yaml:"-" toml:"-"`
	IdempotencyTTLRaw  string        `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
	IdempotencyMaxKeys int           `yaml:"idempotency_max_keys" toml:"idempotency_max_keys"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Defaults applied when the config file leaves a value unset
const (
	DefaultSendBuffer         = 128
	DefaultMaxFrameBytes      = 1 << 20
	DefaultWriteWait          = 10 * time.Second
	DefaultPingPeriod         = 30 * time.Second
	DefaultReadTimeout        = 60 * time.Second
	DefaultPreviewLength      = 200
	DefaultMaxActive          = 3
	DefaultIdempotencyTTL     = 10 * time.Minute
	DefaultIdempotencyMaxKeys = 100_000
	DefaultMetricsPath        = "/metrics"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data, formatFromPath(path))
}

// Format identifies a config file syntax
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes raw config content in the given format, then applies
// defaults, durations and validation.
func Parse(data []byte, format Format) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Broker.SendBuffer <= 0 {
		c.Broker.SendBuffer = DefaultSendBuffer
	}
	if c.Broker.MaxFrameBytes <= 0 {
		c.Broker.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.Broker.WriteWait <= 0 {
		c.Broker.WriteWait = DefaultWriteWait
	}
	if c.Broker.PingPeriod <= 0 {
		c.Broker.PingPeriod = DefaultPingPeriod
	}
	if c.Broker.ReadTimeout <= 0 {
		c.Broker.ReadTimeout = DefaultReadTimeout
	}
	if c.Conversations.PreviewLength <= 0 {
		c.Conversations.PreviewLength = DefaultPreviewLength
	}
	if c.Conversations.DefaultMaxActive <= 0 {
		c.Conversations.DefaultMaxActive = DefaultMaxActive
	}
	if c.Conversations.IdempotencyTTL <= 0 {
		c.Conversations.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if c.Conversations.IdempotencyMaxKeys <= 0 {
		c.Conversations.IdempotencyMaxKeys = DefaultIdempotencyMaxKeys
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Broker.PingPeriod >= c.Broker.ReadTimeout {
		return fmt.Errorf("broker.ping_period (%s) must be shorter than broker.read_timeout (%s)",
			c.Broker.PingPeriod, c.Broker.ReadTimeout)
	}

	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"broker.write_wait", cfg.Broker.WriteWaitRaw, &cfg.Broker.WriteWait},
		{"broker.ping_period", cfg.Broker.PingPeriodRaw, &cfg.Broker.PingPeriod},
		{"broker.read_timeout", cfg.Broker.ReadTimeoutRaw, &cfg.Broker.ReadTimeout},
		{"conversations.idempotency_ttl", cfg.Conversations.IdempotencyTTLRaw, &cfg.Conversations.IdempotencyTTL},
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
