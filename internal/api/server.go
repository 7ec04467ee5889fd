package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/dat-gateway/internal/cache"
	"github.com/JakeFAU/dat-gateway/internal/datkey"
	"github.com/JakeFAU/dat-gateway/internal/logging"
	"github.com/JakeFAU/dat-gateway/internal/metrics"
	"github.com/JakeFAU/dat-gateway/internal/requestid"
)

const defaultRequestTimeout = 30 * time.Second

// Archives is the slice of the archive cache the admin API needs.
type Archives interface {
	Snapshot() []cache.EntryInfo
	Evict(key datkey.Key) bool
	Closed() bool
}

// Sweeper runs one idle sweep. *reaper.Reaper implements it.
type Sweeper interface {
	Tick() []datkey.Key
}

// AuthConfig enables the X-API-Key check on /v1 routes.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// Config wires the admin server.
type Config struct {
	Archives Archives
	// Sweeper may be nil when idle eviction is disabled.
	Sweeper        Sweeper
	Auth           AuthConfig
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the archive cache.
type Server struct {
	router   chi.Router
	archives *ArchiveHandler
	draining atomic.Bool
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Archives == nil {
		return nil, errors.New("archives are required")
	}
	if cfg.Auth.Enabled && cfg.Auth.APIKey == "" {
		return nil, errors.New("api key required when auth is enabled")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	logger := logging.OrNop(cfg.Logger).Named("api")
	s := &Server{
		archives: NewArchiveHandler(cfg.Archives, cfg.Sweeper, logger),
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestid.Middleware(nil))
	r.Use(logging.AccessLog(logger))
	r.Use(logging.Recover(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/archives", func(r chi.Router) {
			r.Get("/", s.archives.List)
			r.Post("/reap", s.archives.Reap)
			r.Route("/{key}", func(r chi.Router) {
				r.Get("/", s.archives.Get)
				r.Delete("/", s.archives.Delete)
			})
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// MarkDraining makes readyz fail so load balancers stop routing to this
// instance while it shuts down.
func (s *Server) MarkDraining() {
	s.draining.Store(true)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Load() || s.archives.archives.Closed() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
