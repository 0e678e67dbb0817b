// SPDX-License-Identifier: MIT

// Package api exposes the pool coordinator over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/certa-qa/userpool/internal/cache"
	"github.com/certa-qa/userpool/internal/domain/pool/coordinator"
	"github.com/certa-qa/userpool/internal/domain/pool/store"
	"github.com/certa-qa/userpool/internal/log"
)

// Config tunes the HTTP surface.
type Config struct {
	// AcquireRateLimit is the per-IP acquisition request budget per
	// AcquireRateWindow. Zero disables the limiter.
	AcquireRateLimit  int
	AcquireRateWindow time.Duration

	// TracingService, when set, wraps the router in otelhttp spans.
	TracingService string
}

// Server routes pool operations to the coordinator and directory store.
type Server struct {
	cfg   Config
	coord *coordinator.Coordinator
	store store.Store
	cache cache.AvailabilityCache
	log   zerolog.Logger
}

// New wires the HTTP surface. The cache may be nil to disable
// availability caching.
func New(cfg Config, coord *coordinator.Coordinator, st store.Store, avail cache.AvailabilityCache) *Server {
	if avail == nil {
		avail = cache.NewNoopCache()
	}
	if cfg.AcquireRateWindow <= 0 {
		cfg.AcquireRateWindow = time.Second
	}
	return &Server{
		cfg:   cfg,
		coord: coord,
		store: st,
		cache: avail,
		log:   log.WithComponent("api"),
	}
}

// Router builds the handler tree with the canonical middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/pool", func(r chi.Router) {
			if s.cfg.AcquireRateLimit > 0 {
				r.With(acquireRateLimit(s.cfg.AcquireRateLimit, s.cfg.AcquireRateWindow)).
					Post("/acquire", s.handleAcquire)
			} else {
				r.Post("/acquire", s.handleAcquire)
			}
			r.Post("/release", s.handleRelease)
			r.Get("/availability", s.handleAvailability)
		})

		r.Get("/executions/{id}", s.handleGetExecution)

		r.Route("/users", func(r chi.Router) {
			r.Get("/", s.handleListUsers)
			r.Post("/", s.handleCreateUser)
			r.Get("/{id}", s.handleGetUser)
			r.Delete("/{id}", s.handleDeleteUser)
			r.Patch("/{id}/health", s.handleSetUserHealth)
		})
	})

	var h http.Handler = r
	if s.cfg.TracingService != "" {
		h = otelhttp.NewHandler(h, s.cfg.TracingService)
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
