// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	Database    DatabaseConfig    `yaml:"database"`
	Connections ConnectionsConfig `yaml:"connections"`
	Debounce    DebounceConfig    `yaml:"debounce"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// RedisConfig holds the shared pub/sub store configuration.
// An empty Addr disables distributed mode without attempting a probe.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	RecordTTL    time.Duration `yaml:"-"`
	ProbeTimeout time.Duration `yaml:"-"`
	PollTimeout  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RecordTTLRaw    string `yaml:"record_ttl"`
	ProbeTimeoutRaw string `yaml:"probe_timeout"`
	PollTimeoutRaw  string `yaml:"poll_timeout"`
}

// DatabaseConfig holds session store configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ConnectionsConfig holds connection heartbeat timing configuration
type ConnectionsConfig struct {
	HeartbeatInterval    time.Duration `yaml:"-"`
	HeartbeatTimeout     time.Duration `yaml:"-"`
	ReconnectGracePeriod time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw    string `yaml:"heartbeat_interval"`
	HeartbeatTimeoutRaw     string `yaml:"heartbeat_timeout"`
	ReconnectGracePeriodRaw string `yaml:"reconnect_grace_period"`
}

// DebounceConfig holds message grouping configuration
type DebounceConfig struct {
	QuietPeriod time.Duration `yaml:"-"`
	MaxGroupAge time.Duration `yaml:"-"`

	MaxGroupSize int `yaml:"max_group_size"`

	// Raw string values for YAML unmarshaling
	QuietPeriodRaw string `yaml:"quiet_period"`
	MaxGroupAgeRaw string `yaml:"max_group_age"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the corresponding config values are absent.
const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultHeartbeatTimeout     = 60 * time.Second
	DefaultReconnectGracePeriod = 2 * time.Minute
	DefaultRecordTTL            = 90 * time.Second
	DefaultProbeTimeout         = 3 * time.Second
	DefaultPollTimeout          = 500 * time.Millisecond
	DefaultQuietPeriod          = 3 * time.Second
	DefaultMaxGroupAge          = 30 * time.Second
	DefaultMaxGroupSize         = 10
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a Config with all defaults applied and no distributed backend.
func Default() *Config {
	cfg := &Config{
		Server:   ServerConfig{HTTPAddr: "0.0.0.0:8080"},
		Database: DatabaseConfig{Path: ":memory:"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in zero-valued timing fields.
func (c *Config) applyDefaults() {
	if c.Connections.HeartbeatInterval == 0 {
		c.Connections.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Connections.HeartbeatTimeout == 0 {
		c.Connections.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Connections.ReconnectGracePeriod == 0 {
		c.Connections.ReconnectGracePeriod = DefaultReconnectGracePeriod
	}
	if c.Redis.RecordTTL == 0 {
		c.Redis.RecordTTL = DefaultRecordTTL
	}
	if c.Redis.ProbeTimeout == 0 {
		c.Redis.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Redis.PollTimeout == 0 {
		c.Redis.PollTimeout = DefaultPollTimeout
	}
	if c.Debounce.QuietPeriod == 0 {
		c.Debounce.QuietPeriod = DefaultQuietPeriod
	}
	if c.Debounce.MaxGroupAge == 0 {
		c.Debounce.MaxGroupAge = DefaultMaxGroupAge
	}
	if c.Debounce.MaxGroupSize == 0 {
		c.Debounce.MaxGroupSize = DefaultMaxGroupSize
	}
}

// envVarPattern matches ${VAR_NAME} style references in the raw YAML.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Connections.HeartbeatTimeout < c.Connections.HeartbeatInterval {
		return fmt.Errorf("connections.heartbeat_timeout must be at least heartbeat_interval")
	}

	if c.Debounce.MaxGroupSize < 1 {
		return fmt.Errorf("debounce.max_group_size must be positive")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Connections.HeartbeatIntervalRaw, "heartbeat_interval", &cfg.Connections.HeartbeatInterval},
		{cfg.Connections.HeartbeatTimeoutRaw, "heartbeat_timeout", &cfg.Connections.HeartbeatTimeout},
		{cfg.Connections.ReconnectGracePeriodRaw, "reconnect_grace_period", &cfg.Connections.ReconnectGracePeriod},
		{cfg.Redis.RecordTTLRaw, "record_ttl", &cfg.Redis.RecordTTL},
		{cfg.Redis.ProbeTimeoutRaw, "probe_timeout", &cfg.Redis.ProbeTimeout},
		{cfg.Redis.PollTimeoutRaw, "poll_timeout", &cfg.Redis.PollTimeout},
		{cfg.Debounce.QuietPeriodRaw, "quiet_period", &cfg.Debounce.QuietPeriod},
		{cfg.Debounce.MaxGroupAgeRaw, "max_group_age", &cfg.Debounce.MaxGroupAge},
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
