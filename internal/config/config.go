// SPDX-License-Identifier: MIT

// Package config loads service configuration with precedence ENV > file > defaults.
package config

import (
	"fmt"
	"time"
)

// Config is the effective service configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
	LogLevel   string `yaml:"log_level"`

	Store     StoreConfig     `yaml:"store"`
	Pool      PoolConfig      `yaml:"pool"`
	Cache     CacheConfig     `yaml:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig selects and tunes the directory store backend.
type StoreConfig struct {
	// Backend is one of "sqlite", "memory", "badger".
	Backend string `yaml:"backend"`
	// Path is the database file (sqlite) or directory (badger). Empty means
	// DataDir/pool.db or DataDir/badger.
	Path string `yaml:"path"`
	// PoolSize bounds open connections for the sqlite backend.
	PoolSize int `yaml:"pool_size"`
	// BusyTimeout is how long a writer waits on a contended sqlite database.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// PoolConfig tunes the lease coordinator.
type PoolConfig struct {
	// DefaultMaxRetries is the acquisition attempt count when the caller
	// does not supply one. Bounded to [1, MaxRetriesCeiling].
	DefaultMaxRetries int `yaml:"default_max_retries"`
	// MaxRetriesCeiling caps caller-supplied max_retries.
	MaxRetriesCeiling int `yaml:"max_retries_ceiling"`
	// MaxRetryWait caps the exponential term of the backoff schedule.
	MaxRetryWait time.Duration `yaml:"max_retry_wait"`
	// MinBackoff is the floor of an individual backoff sleep after jitter.
	MinBackoff time.Duration `yaml:"min_backoff"`
	// MaxBackoff is a sanity ceiling on an individual backoff sleep.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// CacheConfig configures the optional advisory availability cache.
type CacheConfig struct {
	// RedisAddr enables the redis cache when non-empty (host:port).
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ExporterType string  `yaml:"exporter_type"` // "grpc" or "http"
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "/var/lib/userpool",
		LogLevel:   "info",
		Store: StoreConfig{
			Backend:     "sqlite",
			PoolSize:    25,
			BusyTimeout: 5 * time.Second,
		},
		Pool: PoolConfig{
			DefaultMaxRetries: 10,
			MaxRetriesCeiling: 50,
			MaxRetryWait:      10 * time.Second,
			MinBackoff:        500 * time.Millisecond,
			MaxBackoff:        15 * time.Second,
		},
		Cache: CacheConfig{
			TTL: 2 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ExporterType: "http",
			SamplingRate: 1.0,
		},
	}
}

// Validate rejects configurations the coordinator cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite", "memory", "badger":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Pool.DefaultMaxRetries < 1 || c.Pool.DefaultMaxRetries > c.Pool.MaxRetriesCeiling {
		return fmt.Errorf("config: default_max_retries %d outside [1, %d]",
			c.Pool.DefaultMaxRetries, c.Pool.MaxRetriesCeiling)
	}
	if c.Pool.MaxRetryWait <= 0 {
		return fmt.Errorf("config: max_retry_wait must be positive")
	}
	if c.Pool.MinBackoff <= 0 || c.Pool.MaxBackoff < c.Pool.MinBackoff {
		return fmt.Errorf("config: backoff bounds invalid (min=%v max=%v)",
			c.Pool.MinBackoff, c.Pool.MaxBackoff)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("config: telemetry enabled but endpoint empty")
	}
	return nil
}
