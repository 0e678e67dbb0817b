// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Loader assembles the effective configuration with precedence
// ENV > file > defaults.
type Loader struct {
	configPath string
}

// NewLoader creates a configuration loader. configPath may be empty, in which
// case only defaults and environment variables apply.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load reads, merges and validates the configuration.
func (l *Loader) Load() (Config, error) {
	cfg := Default()

	if l.configPath != "" {
		raw, err := os.ReadFile(l.configPath)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", l.configPath, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", l.configPath, err)
		}
	}

	l.applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (l *Loader) applyEnv(cfg *Config) {
	cfg.ListenAddr = ParseString("USERPOOL_LISTEN", cfg.ListenAddr)
	cfg.DataDir = ParseString("USERPOOL_DATA", cfg.DataDir)
	cfg.LogLevel = ParseString("USERPOOL_LOG_LEVEL", cfg.LogLevel)

	cfg.Store.Backend = ParseString("USERPOOL_STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.Path = ParseString("USERPOOL_STORE_PATH", cfg.Store.Path)
	cfg.Store.PoolSize = ParseInt("USERPOOL_STORE_POOL_SIZE", cfg.Store.PoolSize)
	cfg.Store.BusyTimeout = ParseDuration("USERPOOL_STORE_BUSY_TIMEOUT", cfg.Store.BusyTimeout)

	cfg.Pool.DefaultMaxRetries = ParseInt("USERPOOL_DEFAULT_MAX_RETRIES", cfg.Pool.DefaultMaxRetries)
	cfg.Pool.MaxRetryWait = ParseDuration("USERPOOL_MAX_RETRY_WAIT_SECONDS", cfg.Pool.MaxRetryWait)
	cfg.Pool.MinBackoff = ParseDuration("USERPOOL_MIN_BACKOFF_SECONDS", cfg.Pool.MinBackoff)
	cfg.Pool.MaxBackoff = ParseDuration("USERPOOL_MAX_BACKOFF_SECONDS", cfg.Pool.MaxBackoff)

	cfg.Cache.RedisAddr = ParseString("USERPOOL_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = ParseString("USERPOOL_REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.RedisDB = ParseInt("USERPOOL_REDIS_DB", cfg.Cache.RedisDB)
	cfg.Cache.TTL = ParseDuration("USERPOOL_CACHE_TTL", cfg.Cache.TTL)

	cfg.Telemetry.Enabled = ParseBool("USERPOOL_OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.ExporterType = ParseString("USERPOOL_OTEL_EXPORTER", cfg.Telemetry.ExporterType)
	cfg.Telemetry.Endpoint = ParseString("USERPOOL_OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = ParseFloat("USERPOOL_OTEL_SAMPLING", cfg.Telemetry.SamplingRate)
}
