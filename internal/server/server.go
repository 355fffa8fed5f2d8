// Package server implements the HTTP transport layer for the proxy: the
// admin API, health endpoints, and the catch-all forwarding route.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eugener/palantir/internal/balance"
	"github.com/eugener/palantir/internal/events"
	"github.com/eugener/palantir/internal/storage"
	"github.com/eugener/palantir/internal/token"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Store      storage.Store
	Balancer   *balance.Balancer
	Tokens     *token.Manager
	Pipeline   http.Handler    // catch-all forwarding route
	Logs       *events.Handler // nil = no log stream endpoint
	Registry   prometheus.Gatherer
	ReadyCheck ReadyChecker // nil = always ready (for tests)
	AdminToken string       // "" disables admin auth
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.recovery)
	r.Use(s.requestID)

	// System endpoints
	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReadyz)
	if deps.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	// Admin API
	r.Route("/api", func(r chi.Router) {
		r.Use(s.logging)
		r.Use(s.adminAuth)

		r.Get("/accounts", s.handleListAccounts)
		r.Post("/accounts/direct", s.handleCreateDirectAccount)
		r.Delete("/accounts/{name}", s.handleDeleteAccount)
		r.Post("/accounts/{id}/pause", s.handlePause(true))
		r.Post("/accounts/{id}/resume", s.handlePause(false))
		r.Post("/accounts/{id}/tier", s.handleSetTier)
		r.Post("/accounts/{id}/rename", s.handleRename)
		r.Post("/accounts/{id}/rate-limit", s.handleRateLimitOverride)

		r.Get("/requests", s.handleListRequests)
		r.Get("/requests/{id}/payload", s.handleGetPayload)

		if deps.Logs != nil {
			r.Get("/logs/stream", s.handleLogStream)
		}

		// Provisioning flow lives outside this process for now.
		r.Post("/oauth/init", s.handleNotImplemented)
		r.Post("/oauth/complete", s.handleNotImplemented)
	})

	// Everything else is forwarded upstream. No request logging here: the
	// pipeline emits its own per-request line with account attribution.
	r.NotFound(deps.Pipeline.ServeHTTP)

	return r
}

type server struct {
	deps Deps
}
