// SPDX-License-Identifier: MIT

// Package api exposes the control surface of the daemon: a small chi
// router that starts and stops broadcasts, reports the active set, and
// serves health and Prometheus endpoints. All orchestration logic stays
// in the engine; handlers translate HTTP in and out.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loopcast/internal/engine"
	"loopcast/internal/store"
)

// Orchestrator is the engine surface the API layer drives.
type Orchestrator interface {
	Start(ctx context.Context, req engine.StartRequest) error
	Stop(ctx context.Context, broadcastID string) error
	IsActive(broadcastID string) bool
	ActiveCount() int
	ActiveIds() []string
}

// Options configures the API server.
type Options struct {
	Engine Orchestrator
	Store  store.Store

	// APIToken protects the /api subtree via Bearer auth. Empty
	// disables authentication; the daemon warns about that at startup.
	APIToken string

	// RateLimitRPM caps requests per client IP per minute on the /api
	// subtree. Zero or negative falls back to 60.
	RateLimitRPM int
}

// Server holds the handler dependencies.
type Server struct {
	engine  Orchestrator
	store   store.Store
	token   string
	rateRPM int
}

// New creates an API server. Engine and Store must be non-nil.
func New(opts Options) *Server {
	rpm := opts.RateLimitRPM
	if rpm <= 0 {
		rpm = 60
	}
	return &Server{
		engine:  opts.Engine,
		store:   opts.Store,
		token:   opts.APIToken,
		rateRPM: rpm,
	}
}

// Router builds the HTTP handler. Health and metrics stay outside the
// auth and rate-limit middleware so probes and scrapers need no token.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(recoverer)
	r.Use(requestMetrics)
	r.Use(accessLog)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(rateLimit(s.rateRPM))
		api.Use(s.authMiddleware)

		api.Route("/broadcasts", func(b chi.Router) {
			b.Get("/active", s.handleActive)
			b.Get("/{broadcastId}", s.handleGet)
			b.Post("/{broadcastId}/start", s.handleStart)
			b.Post("/{broadcastId}/stop", s.handleStop)
		})
	})

	return r
}
