package api

import (
	"log/slog"
	"net/http"

	"github.com/flowpbx/callforward/internal/agi"
	"github.com/flowpbx/callforward/internal/api/middleware"
	"github.com/flowpbx/callforward/internal/forward"
	"github.com/flowpbx/callforward/internal/registry"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// PeerAdmin exposes the FastAGI brute-force guard to operators.
type PeerAdmin interface {
	BlockedPeers() []agi.BlockedPeer
	Unblock(ip string) bool
}

// Options configures optional parts of the admin API.
type Options struct {
	// JWTSecret enables bearer-token auth on everything but /health.
	JWTSecret []byte
	// Peers enables the /agi/blocked endpoints.
	Peers PeerAdmin
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// RateLimit applies per client IP to /api/v1.
	RateLimit middleware.RateLimitConfig
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	forwards *forward.Store
	resolver *forward.Resolver
	reg      *registry.Registry
	opts     Options
	limiter  *middleware.IPRateLimiter
	logger   *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted. Call Close to
// stop background work.
func NewServer(forwards *forward.Store, resolver *forward.Resolver, opts Options, logger *slog.Logger) *Server {
	if opts.RateLimit.Rate == 0 {
		opts.RateLimit = middleware.DefaultRateLimitConfig()
	}
	s := &Server{
		router:   chi.NewRouter(),
		forwards: forwards,
		resolver: resolver,
		reg:      forwards.Registry(),
		opts:     opts,
		limiter:  middleware.NewIPRateLimiter(opts.RateLimit),
		logger:   logger.With("component", "api"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter's eviction loop.
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders)

	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.limiter, s.logger))

		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.opts.JWTSecret != nil {
				r.Use(middleware.RequireAdminAuth(s.opts.JWTSecret, s.logger))
			}

			r.Get("/contexts", s.handleListContexts)
			r.Get("/extensions", s.handleListExtensions)
			r.Get("/resolve", s.handleResolve)

			r.Route("/forwards", func(r chi.Router) {
				r.Get("/", s.handleListForwards)
				r.Post("/", s.handleCreateForward)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetForward)
					r.Put("/", s.handleUpdateForward)
					r.Delete("/", s.handleDeleteForward)
				})
			})

			if s.opts.Peers != nil {
				r.Route("/agi/blocked", func(r chi.Router) {
					r.Get("/", s.handleListBlockedPeers)
					r.Delete("/{ip}", s.handleUnblockPeer)
				})
			}
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.logger.Debug("api routes mounted", "auth", s.opts.JWTSecret != nil)
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
