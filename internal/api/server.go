package api

import (
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/pbx/internal/api/middleware"
	"github.com/flowpbx/pbx/internal/pbx"
)

// RegistrySnapshotter is the subset of *pbx.PBX the admin surface reads
// from. It never mutates registry state.
type RegistrySnapshotter interface {
	Snapshot() []pbx.ExtensionSnapshot
}

// Server holds the admin HTTP handler dependencies and the chi router.
// Every route it mounts is read-only: the admin surface observes the
// registry, it never drives a transition.
type Server struct {
	router   *chi.Mux
	registry RegistrySnapshotter
	ready    *atomic.Bool
}

// NewServer creates the admin HTTP handler with all routes mounted.
// collector is registered against its own prometheus.Registry so a
// scrape only ever sees this process's PBX metrics. ready is flipped by
// the caller once the client-facing accept loop is actually running,
// and flipped back before shutdown begins; until then /healthz reports
// 503.
func NewServer(registry RegistrySnapshotter, collector prometheus.Collector, corsOrigins []string, ready *atomic.Bool) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		registry: registry,
		ready:    ready,
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)

	s.routes(corsOrigins, reg)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures the global middleware stack and mounts every admin
// route. The admin surface carries no session or auth layer — it is
// meant to sit behind an operator-controlled network boundary, not be
// exposed alongside the client-facing port.
func (s *Server) routes(corsOrigins []string, reg *prometheus.Registry) {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.SecurityHeaders(false))
	r.Use(middleware.CORS(corsOrigins))
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	limiter := middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig())
	r.Use(middleware.RateLimit(limiter))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/extensions", s.handleExtensions)
	})
}

// handleHealthz reports 200 once the client-facing accept loop is
// running, and 503 before it starts or after shutdown has begun.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleExtensions returns a point-in-time snapshot of every occupied
// extension slot.
func (s *Server) handleExtensions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}
