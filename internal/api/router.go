// ABOUTME: chi router wiring for the task HTTP API
// ABOUTME: Mounts /api behind auth, plus /health and /metrics

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/2389/coven-queue/internal/auth"
	"github.com/2389/coven-queue/internal/tasks"
)

// DefaultKeepAlive is how often an idle SSE stream gets a comment line.
const DefaultKeepAlive = 15 * time.Second

// Options configures the router. Zero values disable the optional pieces.
type Options struct {
	// Verifier validates bearer tokens. Nil enables development mode, where
	// the caller is named by the X-User-ID header.
	Verifier auth.TokenVerifier

	// Metrics serves the scrape endpoint at MetricsPath (default /metrics).
	Metrics     http.Handler
	MetricsPath string

	// CORSOrigins lists browser origins allowed to call /api.
	CORSOrigins []string

	// Ready reports whether backing services are reachable. /health returns
	// 503 while it fails.
	Ready func(ctx context.Context) error

	KeepAlive time.Duration
}

// Server holds the handler dependencies.
type Server struct {
	tasks          *tasks.Service
	ready          func(ctx context.Context) error
	keepAlive      time.Duration
	originPatterns []string
	logger         *slog.Logger
}

// NewRouter builds the HTTP handler for svc.
func NewRouter(svc *tasks.Service, opts Options, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		tasks:          svc,
		ready:          opts.Ready,
		keepAlive:      opts.KeepAlive,
		originPatterns: originPatternsFor(opts.CORSOrigins),
		logger:         logger.With("component", "api"),
	}
	if s.keepAlive <= 0 {
		s.keepAlive = DefaultKeepAlive
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)

	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", IdempotencyKeyHeader, auth.UserIDHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", s.handleHealth)
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(opts.Verifier, logger))

		r.Post("/queries", s.handleStartQuery)
		r.Post("/workspaces", s.handleCreateWorkspace)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Delete("/", s.handleDeleteSession)
				r.Delete("/query", s.handleCancelQuery)
				r.Get("/events", s.handleEventsSSE)
				r.Get("/events/ws", s.handleEventsWS)
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger logs one line per request. Streaming routes log when the
// stream ends.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
