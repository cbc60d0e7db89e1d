package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults matching the original deployment settings.
const (
	DefaultCloudEventsSource = "https://api.kernelci.org/"
	DefaultEventType         = "api.kernelci.org"
	DefaultKeepAlivePeriod   = 45 * time.Second
	DefaultRetention         = 7 * 24 * time.Hour
	DefaultCatchupLimit      = 1000
)

// Seconds is a duration that appears in YAML as a whole number of seconds
// (the original settings are second-integers). Duration strings such as
// "45s" or "7h" are accepted too.
type Seconds time.Duration

// UnmarshalYAML decodes either an integer number of seconds or a duration
// string.
func (s *Seconds) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*s = Seconds(time.Duration(n) * time.Second)
		return nil
	}
	var str string
	if err := value.Decode(&str); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	d, err := time.ParseDuration(str)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", str, err)
	}
	*s = Seconds(d)
	return nil
}

// Duration returns the value as a time.Duration.
func (s Seconds) Duration() time.Duration { return time.Duration(s) }

// BrokerConfig selects and configures the broker backing.
type BrokerConfig struct {
	// Type is "memory" or "redis"
	Type          string `yaml:"type"`
	RedisHost     string `yaml:"redis_host"`
	RedisDBNumber int    `yaml:"redis_db_number"`
}

// ReaperConfig holds the two stale-cleanup policies.
type ReaperConfig struct {
	Interval                Seconds `yaml:"interval"`
	StaleSubscriptionMaxAge Seconds `yaml:"stale_subscription_max_age"`
	StaleSubscriberMaxAge   Seconds `yaml:"stale_subscriber_max_age"`
}

// Config is the full event bus configuration.
type Config struct {
	HTTPAddr          string       `yaml:"http_addr"`
	DataDir           string       `yaml:"data_dir"`
	CloudEventsSource string       `yaml:"cloud_events_source"`
	KeepAlivePeriod   Seconds      `yaml:"keep_alive_period"`
	Retention         Seconds      `yaml:"retention"`
	CatchupLimit      int          `yaml:"catchup_limit"`
	Broker            BrokerConfig `yaml:"broker"`
	Reaper            ReaperConfig `yaml:"reaper"`

	// Tokens maps bearer tokens to usernames. Real deployments plug in an
	// external authentication service instead.
	Tokens map[string]string `yaml:"tokens"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		HTTPAddr:          ":8001",
		DataDir:           "/var/lib/eventbus",
		CloudEventsSource: DefaultCloudEventsSource,
		KeepAlivePeriod:   Seconds(DefaultKeepAlivePeriod),
		Retention:         Seconds(DefaultRetention),
		CatchupLimit:      DefaultCatchupLimit,
		Broker: BrokerConfig{
			Type:          "memory",
			RedisHost:     "redis",
			RedisDBNumber: 1,
		},
		Reaper: ReaperConfig{
			Interval:                Seconds(5 * time.Minute),
			StaleSubscriptionMaxAge: Seconds(30 * time.Minute),
			StaleSubscriberMaxAge:   Seconds(30 * 24 * time.Hour),
		},
		LogLevel: "info",
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies the environment overrides recognized by the original
// deployment.
func (c *Config) applyEnv() {
	if v := os.Getenv("CLOUD_EVENTS_SOURCE"); v != "" {
		c.CloudEventsSource = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Broker.RedisHost = v
		c.Broker.Type = "redis"
	}
	if v := os.Getenv("REDIS_DB_NUMBER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Broker.RedisDBNumber = n
		}
	}
	if v := os.Getenv("KEEP_ALIVE_PERIOD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.KeepAlivePeriod = Seconds(time.Duration(n) * time.Second)
		}
	}
	if v := os.Getenv("EVENT_RETENTION_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Retention = Seconds(time.Duration(n) * time.Second)
		}
	}
	if v := os.Getenv("EVENTBUS_DATA_DIR"); v != "" {
		c.DataDir = v
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Broker.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown broker type %q", c.Broker.Type)
	}
	if c.CatchupLimit <= 0 {
		return fmt.Errorf("catchup_limit must be positive, got %d", c.CatchupLimit)
	}
	if c.Retention.Duration() <= 0 {
		return fmt.Errorf("retention must be positive, got %s", c.Retention.Duration())
	}
	return nil
}
