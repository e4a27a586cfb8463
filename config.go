package spiegami

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultDailyLimit is the number of start requests a caller gets per UTC day.
const DefaultDailyLimit = 5

// Config is the top-level service configuration. It is loaded once at
// startup and passed in as an immutable value; nothing reads the
// environment mid-request.
type Config struct {
	ListenAddr string         `yaml:"listen_addr"`
	Upstream   UpstreamConfig `yaml:"upstream"`
	Quota      QuotaConfig    `yaml:"quota"`
}

// UpstreamConfig configures the remote generation service.
type UpstreamConfig struct {
	BaseURL        string  `yaml:"base_url"`
	APIKey         string  `yaml:"api_key"`
	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// Timeout returns the upstream exchange ceiling as a duration.
func (c UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// QuotaConfig configures the daily quota gate.
// Backend is one of "redis", "postgres", "memory" or "off".
type QuotaConfig struct {
	Backend     string `yaml:"backend"`
	RedisURL    string `yaml:"redis_url"`
	PostgresURL string `yaml:"postgres_url"`
	DailyLimit  int64  `yaml:"daily_limit"`
	KeyPrefix   string `yaml:"key_prefix"`
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("spiegami: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("spiegami: parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Upstream.Model == "" {
		c.Upstream.Model = "gemini-1.5-flash"
	}
	if c.Upstream.Temperature == 0 {
		c.Upstream.Temperature = DefaultTemperature
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = int(DefaultUpstreamTimeout / time.Second)
	}
	if c.Quota.Backend == "" {
		c.Quota.Backend = "off"
	}
	if c.Quota.DailyLimit == 0 {
		c.Quota.DailyLimit = DefaultDailyLimit
	}
	if c.Quota.KeyPrefix == "" {
		c.Quota.KeyPrefix = "spiegami:quota:"
	}
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.Upstream.APIKey == "" {
		return fmt.Errorf("spiegami: config: upstream.api_key is required")
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("spiegami: config: upstream.timeout_seconds must not be negative")
	}
	switch c.Quota.Backend {
	case "off", "memory":
	case "redis":
		if c.Quota.RedisURL == "" {
			return fmt.Errorf("spiegami: config: quota.redis_url is required for the redis backend")
		}
	case "postgres":
		if c.Quota.PostgresURL == "" {
			return fmt.Errorf("spiegami: config: quota.postgres_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("spiegami: config: unknown quota backend %q", c.Quota.Backend)
	}
	if c.Quota.DailyLimit < 0 {
		return fmt.Errorf("spiegami: config: quota.daily_limit must not be negative")
	}
	return nil
}
