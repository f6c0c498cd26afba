// Package server provides the HTTP surface of the release cache.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"

	"github.com/ghrelease/release-cache/cache"
	"github.com/ghrelease/release-cache/download"
	"github.com/ghrelease/release-cache/githubapi"
	"github.com/ghrelease/release-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Upstream is the GitHub API client.
	Upstream *githubapi.Client

	// Cache is the metadata and blob cache.
	Cache *cache.Manager

	// MaxConcurrentDownloads bounds simultaneous asset downloads.
	// Default: 10.
	MaxConcurrentDownloads int64

	// MaxDownloadsPerWindow is the per-client download quota per window.
	// Zero disables the window limit.
	MaxDownloadsPerWindow int

	// RateLimitWindow is the quota window length. Default: 1 minute.
	RateLimitWindow time.Duration

	// AllowedOrigins restricts CORS. Empty allows any origin.
	AllowedOrigins []string

	// Version is reported by the health endpoints.
	Version string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the release cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	upstream *githubapi.Client
	cache    *cache.Manager
	gate     *download.Gate
	limiter  *rateLimiter
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.Upstream == nil {
		return nil, fmt.Errorf("upstream client is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache manager is required")
	}
	if cfg.MaxConcurrentDownloads <= 0 {
		cfg.MaxConcurrentDownloads = 10
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		upstream: cfg.Upstream,
		cache:    cfg.Cache,
		gate:     download.NewGate(cfg.MaxConcurrentDownloads),
		limiter:  newRateLimiter(cfg.MaxDownloadsPerWindow, cfg.RateLimitWindow),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.corsMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Long timeout for large asset downloads
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health endpoints
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Metadata endpoints serve JSON and compress well.
	gz := func(h http.HandlerFunc) http.Handler { return gzhttp.GzipHandler(h) }

	mux.Handle("GET /repos/{owner}/{repo}", gz(s.handleRepoInfo))
	mux.Handle("GET /repos/{owner}/{repo}/releases", gz(s.handleReleases))
	mux.Handle("GET /repos/{owner}/{repo}/releases/latest", gz(s.handleLatestRelease))
	mux.Handle("GET /repos/{owner}/{repo}/releases/latest/pre", gz(s.handleLatestReleasePre))
	mux.Handle("POST /repos/batch", gz(s.handleBatch))
	mux.Handle("POST /repos/batch/map", gz(s.handleBatchMap))

	// Asset download; bodies are binary, no gzip.
	mux.HandleFunc("GET /download", s.handleDownload)
	mux.HandleFunc("HEAD /download", s.handleDownload)
}

// corsMiddleware applies the CORS policy: permissive when no origins are
// configured, otherwise an allowlist match on the Origin header.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "3600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server and the cache snapshot loop.
func (s *Server) Start() error {
	s.cache.Start(context.Background())

	s.logger.Info("starting server",
		"address", s.config.Address,
		"cache_enabled", s.cache.Enabled(),
		"max_concurrent_downloads", s.gate.Max(),
	)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and writes a final snapshot.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)

	// Stop after in-flight requests have drained so the final snapshot
	// includes their entries.
	s.cache.Stop()

	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the server's root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written. It preserves http.Flusher for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
