// Package server provides the gateway's composition root: it builds every
// dependency from configuration, runs the listeners, and tears them down in
// order.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/dat-gateway/internal/api"
	"github.com/JakeFAU/dat-gateway/internal/archive"
	"github.com/JakeFAU/dat-gateway/internal/archive/dirstore"
	"github.com/JakeFAU/dat-gateway/internal/cache"
	"github.com/JakeFAU/dat-gateway/internal/config"
	"github.com/JakeFAU/dat-gateway/internal/events"
	"github.com/JakeFAU/dat-gateway/internal/events/sinks"
	"github.com/JakeFAU/dat-gateway/internal/gateway"
	"github.com/JakeFAU/dat-gateway/internal/logging"
	"github.com/JakeFAU/dat-gateway/internal/policy/ratelimit"
	"github.com/JakeFAU/dat-gateway/internal/reaper"
	"github.com/JakeFAU/dat-gateway/internal/resolve"
	"github.com/JakeFAU/dat-gateway/internal/router"
	"github.com/JakeFAU/dat-gateway/internal/telemetry"
)

const defaultShutdownTimeout = 10 * time.Second

// Version is stamped into traces and the version command.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	store          *dirstore.Store
	hub            *events.Hub
	cache          *cache.Cache
	resolver       *resolve.Resolver
	reaper         *reaper.Reaper
	gateway        *gateway.Gateway
	admin          *api.Server
	tracerShutdown func(context.Context) error

	closeOnce sync.Once
	closeErr  error
}

// Option customizes Build. Tests use these to swap out process-wide state.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	opener     archive.Opener
	registerer prometheus.Registerer
	resolver   resolve.Config
}

// WithLogger uses logger instead of building one from config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithOpener replaces the directory store as the source of archives. The
// store is still created for warming and storage.
func WithOpener(opener archive.Opener) Option {
	return func(o *options) { o.opener = opener }
}

// WithRegisterer registers lifecycle collectors against reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithResolverConfig supplies lookup hooks such as LookupTXT. Timeouts and
// sizes still come from config.
func WithResolverConfig(rc resolve.Config) Option {
	return func(o *options) { o.resolver = rc }
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	// Only fields that are safe to log.
	type sanitizedConfig struct {
		GatewayAddr string        `json:"gateway_addr"`
		AdminAddr   string        `json:"admin_addr,omitempty"`
		CacheDir    string        `json:"cache_dir"`
		Persist     bool          `json:"persist"`
		MaxEntries  int           `json:"max_entries"`
		TTL         time.Duration `json:"ttl"`
		Redirect    bool          `json:"redirect"`
		Loopback    string        `json:"loopback"`
	}
	safeCfg := sanitizedConfig{
		GatewayAddr: cfg.Server.Addr(),
		CacheDir:    cfg.Cache.Dir,
		Persist:     cfg.Cache.Persist,
		MaxEntries:  cfg.Cache.MaxEntries,
		TTL:         cfg.Cache.TTL,
		Redirect:    cfg.Routing.Redirect,
		Loopback:    cfg.Routing.Loopback,
	}
	if cfg.Admin.Enabled {
		safeCfg.AdminAddr = cfg.Admin.Addr()
	}
	logger.Info("creating application", zap.Any("config", safeCfg))
	return &App{cfg: cfg, logger: logger}, nil
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		Stdout:         cfg.Telemetry.StdoutTraces,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	app.logger.Info("building application dependencies")

	// Anything built below is released by Close if a later step fails.
	fail := func(err error) (*App, error) {
		_ = app.Close(context.Background()) //nolint:errcheck // the build error wins
		return nil, err
	}

	app.store, err = dirstore.New(dirstore.Config{BaseDir: cfg.Cache.Dir})
	if err != nil {
		return fail(fmt.Errorf("archive store init failed: %w", err))
	}

	emitter, err := setupEvents(app, o.registerer)
	if err != nil {
		return fail(err)
	}

	if err = setupCache(app, o.opener, emitter); err != nil {
		return fail(err)
	}

	rc := o.resolver
	rc.Timeout = cfg.Resolver.Timeout
	rc.CacheSize = cfg.Resolver.CacheSize
	rc.DefaultTTL = cfg.Resolver.DefaultTTL
	rc.Scheme = cfg.Resolver.Scheme
	rc.Logger = logger.Named("resolve")
	app.resolver, err = resolve.New(rc)
	if err != nil {
		return fail(fmt.Errorf("resolver init failed: %w", err))
	}

	rt, err := router.New(router.Config{
		Redirect:  cfg.Routing.Redirect,
		Loopback:  cfg.Routing.Loopback,
		BaseHosts: cfg.Routing.BaseHosts,
	}, app.resolver)
	if err != nil {
		return fail(fmt.Errorf("router init failed: %w", err))
	}

	app.gateway, err = gateway.New(gateway.Config{
		Router: rt,
		Cache:  app.cache,
		Logger: logger,
	})
	if err != nil {
		return fail(fmt.Errorf("gateway init failed: %w", err))
	}

	app.reaper = reaper.New(app.cache, reaper.Config{
		Period: cfg.Cache.ReapPeriod,
		TTL:    cfg.Cache.TTL,
		Logger: logger.Named("reaper"),
	})
	if !app.reaper.Enabled() {
		app.logger.Info("idle eviction disabled")
	}

	var sweeper api.Sweeper
	if app.reaper.Enabled() {
		sweeper = app.reaper
	}
	app.admin, err = api.NewServer(api.Config{
		Archives: app.cache,
		Sweeper:  sweeper,
		Auth: api.AuthConfig{
			Enabled: cfg.Admin.Auth.Enabled,
			APIKey:  cfg.Admin.Auth.APIKey,
		},
		Logger: logger,
	})
	if err != nil {
		return fail(fmt.Errorf("admin api init failed: %w", err))
	}

	return app, nil
}

func setupEvents(app *App, reg prometheus.Registerer) (events.Emitter, error) {
	if !app.cfg.Events.Enabled {
		app.logger.Info("lifecycle events disabled")
		return nil, nil
	}
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("lifecycle metrics init failed: %w", err)
	}
	sinkList := []events.Sink{promSink}
	if app.cfg.Events.LogEnabled {
		sinkList = append(sinkList, sinks.NewLogSink(app.logger.Named("events_log")))
		app.logger.Debug("added lifecycle log sink")
	}
	hubCfg := events.Config{
		BufferSize:     app.cfg.Events.BufferSize,
		MaxBatchEvents: app.cfg.Events.MaxBatchEvents,
		MaxBatchWait:   app.cfg.Events.MaxBatchWait,
		Logger:         app.logger.Named("events_hub"),
	}
	app.hub = events.NewHub(hubCfg, sinkList...)
	app.logger.Info("lifecycle event hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Int("sinks", len(sinkList)),
	)
	return app.hub, nil
}

func setupCache(app *App, opener archive.Opener, emitter events.Emitter) error {
	if opener == nil {
		opener = app.store
	}
	opener = ratelimit.WrapOpener(opener, ratelimit.Config{
		RPS:   app.cfg.Cache.OpenRPS,
		Burst: app.cfg.Cache.OpenBurst,
	})

	mode := archive.Temporary
	if app.cfg.Cache.Persist {
		mode = archive.Durable
	}
	var err error
	app.cache, err = cache.New(opener, cache.Config{
		MaxEntries:   app.cfg.Cache.MaxEntries,
		ReadyTimeout: app.cfg.Cache.ReadyTimeout,
		OpenOptions: archive.OpenOptions{
			Storage: archive.Storage{Mode: mode, Dir: app.cfg.Cache.Dir},
		},
		Events: emitter,
		Logger: app.logger.Named("cache"),
	})
	if err != nil {
		return fmt.Errorf("cache init failed: %w", err)
	}
	app.logger.Info("archive cache initialized",
		zap.Stringer("storage", mode),
		zap.Int("max_entries", app.cfg.Cache.MaxEntries),
		zap.Duration("ready_timeout", app.cfg.Cache.ReadyTimeout),
	)
	return nil
}

// GatewayHandler returns the public gateway handler.
func (a *App) GatewayHandler() http.Handler {
	return a.gateway.Handler()
}

// AdminHandler returns the admin API handler.
func (a *App) AdminHandler() http.Handler {
	return a.admin.Handler()
}

// Run listens on the configured addresses and blocks until ctx is canceled
// or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gwLn, err := net.Listen("tcp", a.cfg.Server.Addr())
	if err != nil {
		_ = a.Close(context.Background())
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Addr(), err)
	}
	var adminLn net.Listener
	if a.cfg.Admin.Enabled {
		adminLn, err = net.Listen("tcp", a.cfg.Admin.Addr())
		if err != nil {
			_ = gwLn.Close()
			_ = a.Close(context.Background())
			return fmt.Errorf("listen %s: %w", a.cfg.Admin.Addr(), err)
		}
	}
	return a.Serve(ctx, gwLn, adminLn)
}

// Serve runs the gateway on gwLn and, when adminLn is non-nil, the admin API
// on adminLn. It returns after ctx ends or a listener fails, once everything
// has been shut down.
func (a *App) Serve(ctx context.Context, gwLn, adminLn net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	start := func(name string, srv *http.Server, ln net.Listener) {
		go func() {
			a.logger.Info("http server started", zap.String("server", name), zap.Stringer("addr", ln.Addr()))
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s server: %w", name, err)
			}
		}()
	}

	gwSrv := &http.Server{
		Handler:           a.gateway.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}
	gwSrv.RegisterOnShutdown(a.gateway.StopTunnels)
	start("gateway", gwSrv, gwLn)

	var adminSrv *http.Server
	if adminLn != nil {
		adminSrv = &http.Server{
			Handler:           a.admin.Handler(),
			ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
		}
		start("admin", adminSrv, adminLn)
	}

	a.reaper.Start(ctx)
	if a.cfg.Cache.Warm {
		go a.warm(ctx)
	}
	a.logger.Info("application started")

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		a.logger.Error("http server error", zap.Error(serveErr))
	}
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	// Fail readiness first so balancers stop sending traffic, then drain
	// in-flight gateway requests while the cache is still open.
	a.admin.MarkDraining()
	if err := gwSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("gateway shutdown error", zap.Error(err))
	}
	// Shutdown does not wait for hijacked tunnels; their leases must come
	// back before the handles are closed.
	if err := a.gateway.WaitTunnels(shutdownCtx); err != nil {
		a.logger.Warn("tunnel drain incomplete", zap.Error(err))
	}
	a.reaper.Stop()
	if err := a.cache.CloseAll(shutdownCtx); err != nil {
		a.logger.Warn("cache close failed", zap.Error(err))
	}
	if adminSrv != nil {
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("admin shutdown error", zap.Error(err))
		}
	}

	return errors.Join(serveErr, a.Close(shutdownCtx))
}

// warm reopens durable archives left on disk by a previous run, up to the
// cache's capacity.
func (a *App) warm(ctx context.Context) {
	if !a.cfg.Cache.Persist {
		a.logger.Warn("cache warm requested without persist; skipping")
		return
	}
	keys, err := a.store.Keys()
	if err != nil {
		a.logger.Warn("cache warm failed", zap.Error(err))
		return
	}
	if len(keys) > a.cfg.Cache.MaxEntries {
		keys = keys[:a.cfg.Cache.MaxEntries]
	}
	warmed := 0
	for _, key := range keys {
		lease, err := a.cache.Acquire(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("cache warm open failed", zap.Stringer("key", key), zap.Error(err))
			continue
		}
		lease.Release()
		warmed++
	}
	a.logger.Info("cache warmed", zap.Int("archives", warmed))
}

// Close gracefully shuts down the application. It is safe to call more
// than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeInfrastructure(ctx)
		a.closeErr = a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return a.closeErr
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.reaper != nil {
		a.reaper.Stop()
	}
	if a.cache != nil {
		if err := a.cache.CloseAll(ctx); err != nil {
			a.logger.Warn("cache close failed", zap.Error(err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.resolver != nil {
		a.resolver.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) error {
	var err error
	if a.tracerShutdown != nil {
		if shutdownErr := a.tracerShutdown(ctx); shutdownErr != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(shutdownErr))
			err = fmt.Errorf("tracer shutdown: %w", shutdownErr)
		}
	}
	// Sync on stderr-backed loggers returns EINVAL on some platforms.
	_ = a.logger.Sync() //nolint:errcheck // see above
	return err
}
