package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models sustainplate.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Lifecycle struct {
		Retry Retry `yaml:"retry"`
	} `yaml:"lifecycle"`
	Feed struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		Batch        int           `yaml:"batch"`
		Lookback     int           `yaml:"lookback"`
		GapTimeout   time.Duration `yaml:"gap_timeout"`
	} `yaml:"feed"`
	Cache struct {
		Driver string        `yaml:"driver"`
		TTL    time.Duration `yaml:"ttl"`
		Redis  struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"cache"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Retry bounds how transient registry failures are re-attempted.
type Retry struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	Backoff  float64       `yaml:"backoff"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// Load reads and validates config from workspace. A missing file yields defaults.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("config.database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	r := c.Lifecycle.Retry
	if r.Attempts < 1 {
		return fmt.Errorf("config.lifecycle.retry.attempts must be at least 1")
	}
	if r.Delay < 0 || r.MaxDelay < 0 {
		return fmt.Errorf("config.lifecycle.retry delays must not be negative")
	}
	if r.Backoff < 1 {
		return fmt.Errorf("config.lifecycle.retry.backoff must be >= 1")
	}
	if c.Feed.PollInterval <= 0 {
		return fmt.Errorf("config.feed.poll_interval must be positive")
	}
	if c.Feed.Batch <= 0 {
		return fmt.Errorf("config.feed.batch must be positive")
	}
	if c.Feed.Lookback < 0 || c.Feed.GapTimeout < 0 {
		return fmt.Errorf("config.feed.lookback and config.feed.gap_timeout must not be negative")
	}
	switch c.Cache.Driver {
	case "none", "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("config.cache.redis.addr is required for redis cache")
		}
	default:
		return fmt.Errorf("config.cache.driver must be none, memory or redis, got %q", c.Cache.Driver)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be debug, info, warn or error")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sustainplate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

database:
  driver: sqlite
  dsn: ""

lifecycle:
  retry:
    attempts: 3
    delay: 500ms
    backoff: 2
    max_delay: 1s

feed:
  poll_interval: 1s
  batch: 100
  lookback: 1000
  gap_timeout: 30s

cache:
  driver: memory
  ttl: 30s
  redis:
    addr: ""
    password: ""
    db: 0

log:
  level: info
`
