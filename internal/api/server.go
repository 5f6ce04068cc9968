package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/star/geoanchor/internal/auth"
	"github.com/star/geoanchor/internal/convert"
	"github.com/star/geoanchor/internal/health"
	"github.com/star/geoanchor/internal/httputil"
	"github.com/star/geoanchor/internal/metrics"
	"github.com/star/geoanchor/internal/registry"
	"github.com/star/geoanchor/internal/stream"
)

// Config holds HTTP server configuration.
type Config struct {
	Addr string
	Auth auth.Config

	// ClientIP identifies clients in the request log. Share it with the
	// stream so both agree on who a client is.
	ClientIP httputil.IPResolver
}

// Deps are the components the API serves.
type Deps struct {
	Registry  *registry.Registry
	Converter *convert.WorkerPool
	Stream    *stream.Handler
	Health    *health.Checker
}

// Server holds the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a configured HTTP server.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	logger = logger.With("component", "api")
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("GET /readyz", deps.Health.Readyz)
	mux.Handle("GET /metrics", metrics.Handler())

	a := &anchorHandlers{reg: deps.Registry, logger: logger}
	mux.HandleFunc("GET /api/v1/anchors", a.list)
	mux.HandleFunc("POST /api/v1/anchors", a.spawn)
	mux.HandleFunc("GET /api/v1/anchors/{id}", a.get)
	mux.HandleFunc("DELETE /api/v1/anchors/{id}", a.remove)
	mux.HandleFunc("POST /api/v1/anchors/{id}/geodetic", a.moveGeodetic)
	mux.HandleFunc("POST /api/v1/anchors/{id}/ecef", a.moveECEF)
	mux.HandleFunc("POST /api/v1/anchors/{id}/local", a.moveLocal)
	mux.HandleFunc("POST /api/v1/anchors/{id}/snap", a.snap)
	mux.HandleFunc("PATCH /api/v1/anchors/{id}/flags", a.setFlags)

	g := &globeHandlers{reg: deps.Registry, conv: deps.Converter, logger: logger}
	mux.HandleFunc("GET /api/v1/georeference", g.georeference)
	mux.HandleFunc("PUT /api/v1/georeference/origin", g.setOrigin)
	mux.HandleFunc("GET /api/v1/world/origin", g.worldOrigin)
	mux.HandleFunc("POST /api/v1/world/origin", g.rebase)
	mux.HandleFunc("POST /api/v1/convert", g.convert)

	if deps.Stream != nil {
		mux.HandleFunc("GET /api/v1/stream/anchors", deps.Stream.HandleAnchors)
	}

	// Build middleware chain: metrics -> logging -> auth -> mux.
	var handler http.Handler = mux
	handler = auth.Middleware(cfg.Auth)(handler)
	handler = loggingMiddleware(logger, cfg.ClientIP)(handler)
	handler = metrics.Middleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HTTPServer returns the underlying *http.Server for external control (e.g. shutdown).
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// probePath returns true for health/readiness probe paths that should not log at INFO.
func probePath(path string) bool {
	return path == "/healthz" || path == "/readyz"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func loggingMiddleware(logger *slog.Logger, ips httputil.IPResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sr, r)

			duration := time.Since(start)
			level := slog.LevelInfo
			if probePath(r.URL.Path) {
				level = slog.LevelDebug
			}

			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", strconv.Itoa(sr.statusCode),
				"duration_ms", duration.Milliseconds(),
				"remote_ip", ips.ClientIP(r),
			)
		})
	}
}
