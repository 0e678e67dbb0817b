// SPDX-License-Identifier: MIT

// Command userpoold serves the shared test-account pool: lease
// acquisition and release, availability snapshots and directory
// management over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/certa-qa/userpool/internal/api"
	"github.com/certa-qa/userpool/internal/cache"
	"github.com/certa-qa/userpool/internal/config"
	"github.com/certa-qa/userpool/internal/domain/pool/coordinator"
	"github.com/certa-qa/userpool/internal/domain/pool/store"
	"github.com/certa-qa/userpool/internal/log"
	"github.com/certa-qa/userpool/internal/persistence/sqlite"
	"github.com/certa-qa/userpool/internal/telemetry"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		l := log.WithComponent("daemon")
		l.Fatal().Err(err).Msg("daemon failed")
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.NewLoader(configPath).Load()
	if err != nil {
		return err
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "userpool",
		Version: version,
	})
	logger := log.WithComponent("daemon")
	logger.Info().
		Str("event", "config.loaded").
		Str(log.FieldBackend, cfg.Store.Backend).
		Str("listen", cfg.ListenAddr).
		Msg("configuration loaded")

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "userpool",
		ServiceVersion: version,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	path := storePath(cfg)
	if cfg.Store.Backend == "sqlite" {
		if err := checkDatabase(path, logger); err != nil {
			return err
		}
	}

	st, err := store.OpenWith(cfg.Store.Backend, path, store.Options{
		PoolSize:    cfg.Store.PoolSize,
		BusyTimeout: cfg.Store.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Msg("store close failed")
		}
	}()

	avail := buildCache(cfg, logger)
	defer func() { _ = avail.Close() }()

	coord := coordinator.New(st, coordinator.Options{
		DefaultMaxRetries: cfg.Pool.DefaultMaxRetries,
		MaxRetriesCeiling: cfg.Pool.MaxRetriesCeiling,
		MaxRetryWait:      cfg.Pool.MaxRetryWait,
		MinBackoff:        cfg.Pool.MinBackoff,
		MaxBackoff:        cfg.Pool.MaxBackoff,
	})

	apiCfg := api.Config{}
	if cfg.Telemetry.Enabled {
		apiCfg.TracingService = "userpool"
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.New(apiCfg, coord, st, avail).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("listen", cfg.ListenAddr).Msg("http server started")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// checkDatabase refuses to start on a corrupt pool database. A missing
// file is fine; the store creates it.
func checkDatabase(path string, logger zerolog.Logger) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	diags, err := sqlite.VerifyIntegrity(path, "quick")
	if err != nil {
		return fmt.Errorf("database verification: %w", err)
	}
	if len(diags) > 0 {
		logger.Error().Strs("diagnostics", diags).Str(log.FieldPath, path).Msg("pool database corrupt")
		return fmt.Errorf("pool database failed integrity check: %s", diags[0])
	}
	return nil
}

// storePath resolves the backend location, defaulting into DataDir.
func storePath(cfg config.Config) string {
	if cfg.Store.Path != "" {
		return cfg.Store.Path
	}
	switch cfg.Store.Backend {
	case "badger":
		return filepath.Join(cfg.DataDir, "badger")
	case "memory":
		return ""
	default:
		return filepath.Join(cfg.DataDir, "pool.db")
	}
}

// buildCache prefers Redis so the snapshot is shared across processes,
// falling back to the in-process cache when Redis is absent or down.
func buildCache(cfg config.Config, logger zerolog.Logger) cache.AvailabilityCache {
	if cfg.Cache.RedisAddr == "" {
		return cache.NewMemoryCache(cfg.Cache.TTL)
	}
	c, err := cache.NewRedisCache(cache.RedisConfig{
		Addr:     cfg.Cache.RedisAddr,
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
		TTL:      cfg.Cache.TTL,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable; using in-process availability cache")
		return cache.NewMemoryCache(cfg.Cache.TTL)
	}
	return c
}
