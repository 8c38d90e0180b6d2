// ABOUTME: Configuration loading and parsing for concierge
// ABOUTME: Supports YAML or TOML files with .env loading, environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Queue and event backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config represents the complete concierge configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Responder   ResponderConfig   `yaml:"responder" toml:"responder"`
	Queue       QueueConfig       `yaml:"queue" toml:"queue"`
	Events      EventsConfig      `yaml:"events" toml:"events"`
	Idempotency IdempotencyConfig `yaml:"idempotency" toml:"idempotency"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	// AllowedOrigins lists cross-origin sites allowed to open websockets. Same-host
	// origins are always allowed; "*" allows any.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// DatabaseConfig selects and configures the store backend
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"` // sqlite
	DSN    string `yaml:"dsn" toml:"dsn"`   // postgres
}

// AuthConfig holds admin authentication configuration.
// An empty JWTSecret runs admin endpoints without authentication.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// ResponderConfig points at the external AI responder.
// An empty URL disables AI replies.
type ResponderConfig struct {
	URL        string        `yaml:"url" toml:"url"`
	Path       string        `yaml:"path" toml:"path"`
	Timeout    time.Duration `yaml:"-" toml:"-"`
	ReplyDelay time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TimeoutRaw    string `yaml:"timeout" toml:"timeout"`
	ReplyDelayRaw string `yaml:"reply_delay" toml:"reply_delay"`
}

// QueueConfig selects where AI reply tasks run
type QueueConfig struct {
	Backend  string `yaml:"backend" toml:"backend"`
	Workers  int    `yaml:"workers" toml:"workers"`
	Buffer   int    `yaml:"buffer" toml:"buffer"`
	RedisURL string `yaml:"redis_url" toml:"redis_url"`
	Name     string `yaml:"name" toml:"name"`
}

// EventsConfig selects how events reach subscribers on other instances
type EventsConfig struct {
	Backend  string `yaml:"backend" toml:"backend"`
	RedisURL string `yaml:"redis_url" toml:"redis_url"`
	Channel  string `yaml:"channel" toml:"channel"`
}

// IdempotencyConfig sizes the retry detection cache
type IdempotencyConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
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

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file next to the config is loaded first without overriding variables
// already set. Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are parsed as TOML, anything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
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

// loadDotEnv loads path into the environment when it exists.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("checking %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 12 * time.Hour
	}
	if c.Responder.Path == "" {
		c.Responder.Path = "/chat"
	}
	if c.Responder.Timeout == 0 {
		c.Responder.Timeout = 10 * time.Second
	}
	// an explicit "0s" turns pacing off
	if c.Responder.ReplyDelay == 0 && c.Responder.ReplyDelayRaw == "" {
		c.Responder.ReplyDelay = time.Second
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = BackendMemory
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.Buffer == 0 {
		c.Queue.Buffer = 256
	}
	if c.Events.Backend == "" {
		c.Events.Backend = BackendMemory
	}
	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = 10 * time.Minute
	}
	if c.Idempotency.MaxEntries == 0 {
		c.Idempotency.MaxEntries = 10000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}

	if c.Responder.ReplyDelay < 0 {
		return fmt.Errorf("responder.reply_delay must not be negative")
	}

	switch c.Queue.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Queue.RedisURL == "" {
			return fmt.Errorf("queue.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("queue.backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.Queue.Backend)
	}
	if c.Queue.Workers < 0 || c.Queue.Buffer < 0 {
		return fmt.Errorf("queue.workers and queue.buffer must not be negative")
	}

	switch c.Events.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Events.RedisURL == "" {
			return fmt.Errorf("events.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("events.backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.Events.Backend)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
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
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"responder.timeout", cfg.Responder.TimeoutRaw, &cfg.Responder.Timeout},
		{"responder.reply_delay", cfg.Responder.ReplyDelayRaw, &cfg.Responder.ReplyDelay},
		{"idempotency.ttl", cfg.Idempotency.TTLRaw, &cfg.Idempotency.TTL},
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
