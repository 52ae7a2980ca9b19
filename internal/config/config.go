// ABOUTME: Configuration loading and parsing for coven-queue
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

// Queue backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config represents the complete coven-queue configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Queue    QueueConfig    `yaml:"queue" toml:"queue"`
	Workers  WorkersConfig  `yaml:"workers" toml:"workers"`
	Agent    AgentConfig    `yaml:"agent" toml:"agent"`
	Bridge   BridgeConfig   `yaml:"bridge" toml:"bridge"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr    string   `yaml:"http_addr" toml:"http_addr"`
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// QueueConfig selects the queue backend and its retry policy
type QueueConfig struct {
	Backend       string `yaml:"backend" toml:"backend"`
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" toml:"redis_db"`
	Prefix        string `yaml:"prefix" toml:"prefix"`
	MaxAttempts   int    `yaml:"max_attempts" toml:"max_attempts"`

	Backoff   time.Duration `yaml:"-" toml:"-"`
	Retention time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	BackoffRaw   string `yaml:"backoff" toml:"backoff"`
	RetentionRaw string `yaml:"retention" toml:"retention"`
}

// WorkersConfig holds worker pool configuration
type WorkersConfig struct {
	Concurrency int `yaml:"concurrency" toml:"concurrency"`

	PollInterval time.Duration `yaml:"-" toml:"-"`
	JobTimeout   time.Duration `yaml:"-" toml:"-"`

	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval"`
	JobTimeoutRaw   string `yaml:"job_timeout" toml:"job_timeout"`
}

// AgentConfig describes the agent process launched for each query
type AgentConfig struct {
	Command  string   `yaml:"command" toml:"command"`
	Args     []string `yaml:"args" toml:"args"`
	MaxTurns int      `yaml:"max_turns" toml:"max_turns"`
}

// BridgeConfig holds subscription delivery configuration
type BridgeConfig struct {
	SubscriberLimit int `yaml:"subscriber_limit" toml:"subscriber_limit"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
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

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
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

// envVarPattern matches ${VAR_NAME}
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero values.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = BackendMemory
	}
	if c.Queue.Prefix == "" {
		c.Queue.Prefix = "coven:queue"
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.Backoff == 0 {
		c.Queue.Backoff = 2 * time.Second
	}
	if c.Queue.Retention == 0 {
		c.Queue.Retention = time.Hour
	}
	if c.Workers.Concurrency == 0 {
		c.Workers.Concurrency = 2
	}
	if c.Workers.PollInterval == 0 {
		c.Workers.PollInterval = time.Second
	}
	if c.Agent.Command == "" {
		c.Agent.Command = "claude"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Queue.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("queue.redis_addr is required when queue.backend is redis")
		}
	default:
		return fmt.Errorf("queue.backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.Queue.Backend)
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if c.Workers.Concurrency < 1 {
		return fmt.Errorf("workers.concurrency must be at least 1")
	}
	if c.Workers.JobTimeout < 0 {
		return fmt.Errorf("workers.job_timeout must not be negative")
	}
	if c.Agent.MaxTurns < 0 {
		return fmt.Errorf("agent.max_turns must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	if c.Logging.Format != "" && c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
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
		{"queue.backoff", cfg.Queue.BackoffRaw, &cfg.Queue.Backoff},
		{"queue.retention", cfg.Queue.RetentionRaw, &cfg.Queue.Retention},
		{"workers.poll_interval", cfg.Workers.PollIntervalRaw, &cfg.Workers.PollInterval},
		{"workers.job_timeout", cfg.Workers.JobTimeoutRaw, &cfg.Workers.JobTimeout},
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
