// Package config loads the engine configuration from YAML with .env
// overrides and sensible defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Feed    FeedConfig    `yaml:"feed"`
	Storage StorageConfig `yaml:"storage"`
	Trading TradingConfig `yaml:"trading"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// FeedConfig controls the quote source and reconnect behavior.
type FeedConfig struct {
	RESTBase       string `yaml:"rest_base"`
	StreamBase     string `yaml:"stream_base"`
	BackoffSeconds int    `yaml:"backoff_seconds"`
}

// StorageConfig holds the durable-storage DSNs. Empty DATABASE_URL runs the
// engine on the in-memory store.
type StorageConfig struct {
	DatabaseURL     string `yaml:"database_url"`
	RedisURL        string `yaml:"redis_url"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// TradingConfig holds session defaults.
type TradingConfig struct {
	StartingBalance float64 `yaml:"starting_balance"`
}

// LogConfig controls log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file at path (optional; an empty path skips it),
// applies .env/environment overrides, and fills defaults.
func Load(path string) (*Config, error) {
	// Load .env if present (silences the error when there is none).
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	return &cfg, nil
}

// Backoff returns the feed reconnect interval as a time.Duration.
func (c *Config) Backoff() time.Duration {
	return time.Duration(c.Feed.BackoffSeconds) * time.Second
}

// CacheTTL returns the Redis cache TTL as a time.Duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Storage.CacheTTLSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Feed.RESTBase == "" {
		cfg.Feed.RESTBase = "https://api.binance.com"
	}
	if cfg.Feed.StreamBase == "" {
		cfg.Feed.StreamBase = "wss://stream.binance.com:9443"
	}
	if cfg.Feed.BackoffSeconds <= 0 {
		cfg.Feed.BackoffSeconds = 5
	}
	if cfg.Storage.CacheTTLSeconds <= 0 {
		cfg.Storage.CacheTTLSeconds = 30
	}
	if cfg.Trading.StartingBalance <= 0 {
		cfg.Trading.StartingBalance = 10000
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}
