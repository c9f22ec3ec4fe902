// ABOUTME: Configuration loading and parsing for seance-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend types the gateway knows how to construct.
const (
	BackendTypeOpenAI = "openai"
	BackendTypeRelay  = "relay"
	BackendTypeEcho   = "echo"
)

// Config represents the complete seance-gateway configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Redis         RedisConfig         `yaml:"redis"`
	Database      DatabaseConfig      `yaml:"database"`
	Queue         QueueConfig         `yaml:"queue"`
	Conversations ConversationsConfig `yaml:"conversations"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Backends      []BackendConfig     `yaml:"backends"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// RedisConfig holds the shared kv store connection.
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// DatabaseConfig holds the audit/usage database path.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// QueueConfig holds admission queue tuning.
type QueueConfig struct {
	PollInterval time.Duration `yaml:"-"`
	LeaseTTL     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PollIntervalRaw string `yaml:"poll_interval"`
	LeaseTTLRaw     string `yaml:"lease_ttl"`
}

// ConversationsConfig holds continuity retention.
type ConversationsConfig struct {
	Retention time.Duration `yaml:"-"`

	RetentionRaw string `yaml:"retention"`
}

// DispatchConfig holds retry and dedupe tuning.
type DispatchConfig struct {
	RetryBudget  float64       `yaml:"retry_budget"`
	DedupeWindow time.Duration `yaml:"-"`

	DedupeWindowRaw string `yaml:"dedupe_window"`
}

// BackendConfig describes one backend adapter instance.
type BackendConfig struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`
	// BaseURL is the provider or relay root. Required for openai and relay.
	BaseURL string `yaml:"base_url"`
	// Model is required for openai backends.
	Model string `yaml:"model"`
	// Instructions is the optional system prompt for openai backends.
	Instructions string `yaml:"instructions"`
	// ToneStyle and Context apply to relay backends.
	ToneStyle string `yaml:"tone_style"`
	Context   string `yaml:"context"`
	// SeedFile is an optional TOML file of credentials imported at startup.
	SeedFile string `yaml:"seed_file"`

	CredentialCooldown time.Duration `yaml:"-"`

	CredentialCooldownRaw string `yaml:"credential_cooldown"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded, and
// duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
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

// expandEnvVars replaces ${VAR_NAME} patterns with environment variable
// values. Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}

	seen := map[string]bool{}
	for i, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("backends[%d].id is required", i)
		}
		if seen[b.ID] {
			return fmt.Errorf("backends[%d]: duplicate backend id %q", i, b.ID)
		}
		seen[b.ID] = true

		switch b.Type {
		case BackendTypeOpenAI:
			if b.BaseURL == "" {
				return fmt.Errorf("backend %s: base_url is required for openai backends", b.ID)
			}
			if b.Model == "" {
				return fmt.Errorf("backend %s: model is required for openai backends", b.ID)
			}
		case BackendTypeRelay:
			if b.BaseURL == "" {
				return fmt.Errorf("backend %s: base_url is required for relay backends", b.ID)
			}
		case BackendTypeEcho:
		default:
			return fmt.Errorf("backend %s: unknown type %q", b.ID, b.Type)
		}
	}

	if c.Dispatch.RetryBudget < 0 {
		return fmt.Errorf("dispatch.retry_budget must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Queue.PollIntervalRaw, "queue.poll_interval", &cfg.Queue.PollInterval},
		{cfg.Queue.LeaseTTLRaw, "queue.lease_ttl", &cfg.Queue.LeaseTTL},
		{cfg.Conversations.RetentionRaw, "conversations.retention", &cfg.Conversations.Retention},
		{cfg.Dispatch.DedupeWindowRaw, "dispatch.dedupe_window", &cfg.Dispatch.DedupeWindow},
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

	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		if b.CredentialCooldownRaw == "" {
			continue
		}
		d, err := time.ParseDuration(b.CredentialCooldownRaw)
		if err != nil {
			return fmt.Errorf("parsing backends[%d].credential_cooldown %q: %w", i, b.CredentialCooldownRaw, err)
		}
		b.CredentialCooldown = d
	}

	return nil
}
