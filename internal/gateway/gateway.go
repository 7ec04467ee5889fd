// Package gateway is the public HTTP face of the service. It routes each
// request, borrows archive handles from the cache, and hands them to an
// adapter that writes the bytes. WebSocket upgrades are spliced into the
// archive's replication stream.
package gateway

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/dat-gateway/internal/archive"
	"github.com/JakeFAU/dat-gateway/internal/cache"
	"github.com/JakeFAU/dat-gateway/internal/datkey"
	"github.com/JakeFAU/dat-gateway/internal/logging"
	"github.com/JakeFAU/dat-gateway/internal/metrics"
	"github.com/JakeFAU/dat-gateway/internal/requestid"
	"github.com/JakeFAU/dat-gateway/internal/resolve"
	"github.com/JakeFAU/dat-gateway/internal/router"
)

//go:embed index.html
var defaultIndex []byte

var tracer = otel.Tracer("github.com/JakeFAU/dat-gateway/internal/gateway")

const allowedMethods = "GET, HEAD"

// Acquirer lends archive handles. *cache.Cache implements it.
type Acquirer interface {
	Acquire(ctx context.Context, key datkey.Key) (*cache.Lease, error)
}

// Config wires the gateway's collaborators.
type Config struct {
	Router *router.Router
	Cache  Acquirer
	// Adapter defaults to FileAdapter.
	Adapter Adapter
	// Index replaces the embedded landing page when non-empty.
	Index  []byte
	Logger *zap.Logger
}

// Gateway serves archive content over HTTP and WebSocket.
type Gateway struct {
	router  *router.Router
	cache   Acquirer
	adapter Adapter
	index   []byte
	logger  *zap.Logger
	handler http.Handler

	// Live tunnels are hijacked connections that http.Server.Shutdown does
	// not wait for, so they are tracked here.
	mu          sync.Mutex
	draining    bool
	tunnels     sync.WaitGroup
	stop        context.Context
	stopTunnels context.CancelFunc
}

// New builds a Gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Router == nil {
		return nil, errors.New("router is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if cfg.Adapter == nil {
		cfg.Adapter = FileAdapter{}
	}
	if len(cfg.Index) == 0 {
		cfg.Index = defaultIndex
	}
	g := &Gateway{
		router:  cfg.Router,
		cache:   cfg.Cache,
		adapter: cfg.Adapter,
		index:   cfg.Index,
		logger:  logging.OrNop(cfg.Logger).Named("gateway"),
	}
	g.stop, g.stopTunnels = context.WithCancel(context.Background())

	r := chi.NewRouter()
	r.Use(requestid.Middleware(nil))
	r.Use(logging.AccessLog(g.logger))
	r.Use(logging.Recover(g.logger))
	r.Handle("/*", http.HandlerFunc(g.serve))
	g.handler = r
	return g, nil
}

// Handler returns the root handler for http.Server.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// StopTunnels refuses new WebSocket upgrades and ends every open tunnel.
// It is safe to call more than once and fits http.Server.RegisterOnShutdown.
func (g *Gateway) StopTunnels() {
	g.mu.Lock()
	g.draining = true
	g.mu.Unlock()
	g.stopTunnels()
}

// WaitTunnels stops tunnels and blocks until every tunnel handler has
// returned its lease, or ctx ends.
func (g *Gateway) WaitTunnels(ctx context.Context) error {
	g.StopTunnels()
	done := make(chan struct{})
	go func() {
		g.tunnels.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for tunnels: %w", ctx.Err())
	}
}

func (g *Gateway) enterTunnel() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining {
		return false
	}
	g.tunnels.Add(1)
	return true
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &metrics.StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
	decision := metrics.DecisionError
	defer func() {
		metrics.ObserveGatewayRequest(decision, rec.Status, time.Since(start))
	}()

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		rec.Header().Set("Allow", allowedMethods)
		writeStatus(rec, http.StatusMethodNotAllowed)
		return
	}
	if isWebSocketUpgrade(r) {
		decision = g.tunnel(rec, r)
		return
	}

	ctx, span := tracer.Start(r.Context(), "gateway.serve")
	defer span.End()

	d, err := g.router.Route(ctx, router.FromHTTP(r))
	if err != nil {
		g.fail(rec, r, err)
		return
	}
	decision = d.Kind.String()
	span.SetAttributes(attribute.String("gateway.decision", decision))

	if d.Kind == router.KindRedirect {
		if d.CORS {
			setCORS(rec)
		}
		http.Redirect(rec, r, d.RedirectURL, d.Status)
		return
	}
	setCORS(rec)

	switch d.Kind {
	case router.KindIndex:
		rec.Header().Set("Content-Type", "text/html; charset=utf-8")
		rec.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = rec.Write(g.index)
		}
	case router.KindNotFound:
		writeStatus(rec, http.StatusNotFound)
	case router.KindWellKnown:
		rec.Header().Set("Content-Type", "text/plain; charset=utf-8")
		rec.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = fmt.Fprintf(rec, "dat://%s\nttl=%d", d.Key, d.TTL)
		}
	case router.KindResolve:
		span.SetAttributes(attribute.String("dat.key", d.Key.String()))
		lease, err := g.cache.Acquire(ctx, d.Key)
		if err != nil {
			decision = g.fail(rec, r, err)
			return
		}
		defer lease.Release()
		g.adapter.ServeArchive(rec, r.WithContext(ctx), lease, d.Path)
	}
}

// fail maps err to a response and returns the metrics decision label.
func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, err error) string {
	status := statusFor(err)
	fields := []zap.Field{
		zap.Error(err),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.String("request_id", requestid.FromContext(r.Context())),
	}
	switch {
	case errors.Is(err, context.Canceled):
		g.logger.Debug("request canceled", fields...)
	case status >= http.StatusInternalServerError:
		g.logger.Error("request failed", fields...)
	default:
		g.logger.Info("request failed", fields...)
	}
	setCORS(w)
	writeStatus(w, status)
	if status == http.StatusNotFound {
		return metrics.DecisionNotFound
	}
	return metrics.DecisionError
}

// statusFor classifies errors from the resolver and the cache. Client
// bodies never carry the error text.
func statusFor(err error) int {
	switch {
	case errors.Is(err, resolve.ErrNameNotFound), errors.Is(err, archive.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, cache.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

func writeStatus(w http.ResponseWriter, status int) {
	msg := http.StatusText(status)
	switch status {
	case http.StatusNotFound:
		msg = "Not found"
	case http.StatusInternalServerError:
		msg = "Internal server error"
	}
	http.Error(w, msg, status)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
