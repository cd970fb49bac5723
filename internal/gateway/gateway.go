// Package gateway assembles one service process: scopes, tool invoker,
// model worker launcher, model cache, encoder, optional sinks, the pipeline
// and the HTTP router.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"mediagw/internal/artifacts"
	"mediagw/internal/config"
	"mediagw/internal/discovery"
	"mediagw/internal/encode"
	"mediagw/internal/health"
	"mediagw/internal/httpapi"
	"mediagw/internal/inference"
	"mediagw/internal/modelcache"
	"mediagw/internal/pipeline"
	"mediagw/internal/resultcache"
	"mediagw/internal/runtime"
	"mediagw/internal/scope"
	"mediagw/internal/toolexec"
)

// Service is one model family's HTTP surface.
type Service interface {
	// Mount registers the operation routes.
	Mount(r chi.Router)
	// Loaded reports model residency for the health report.
	Loaded() bool
	// HealthExtra returns service-specific health fields.
	HealthExtra() map[string]any
}

// Definition declares a service kind.
type Definition struct {
	Name string
	Port int
	// Model is the default model or size; empty for tool-based services.
	Model string
	// Worker is false for services that only run external tools.
	Worker bool
	// WorkerArgs returns the model worker arguments for a cache key.
	WorkerArgs func(key string) []string
	Build      func(d Deps) (Service, error)
}

// Deps are the collaborators a service is built from.
type Deps struct {
	Config   config.Config
	Pipeline *pipeline.Pipeline
	// Cache is nil for tool-based services.
	Cache  *modelcache.Cache
	Tools  toolexec.Runner
	Logger zerolog.Logger
}

// App is an assembled service process.
type App struct {
	Config   config.Config
	Handler  http.Handler
	Cache    *modelcache.Cache
	Launcher *runtime.Launcher
	Scopes   *scope.Manager
	Logger   zerolog.Logger

	def     Definition
	closers []func()
}

// Option customizes assembly.
type Option func(*options)

type options struct {
	tools  toolexec.Runner
	loader inference.Loader
}

// WithTools replaces the external tool runner.
func WithTools(r toolexec.Runner) Option { return func(o *options) { o.tools = r } }

// WithLoader replaces the model worker launcher.
func WithLoader(l inference.Loader) Option { return func(o *options) { o.loader = l } }

// Assemble builds the service described by def from cfg. Optional backends
// (redis, nats) that cannot be reached are logged and skipped.
func Assemble(ctx context.Context, def Definition, cfg config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cfg.Service = def.Name
	cfg = cfg.WithDefaults(config.Defaults{Port: def.Port, Model: def.Model})
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger = logger.With().Str("service", def.Name).Logger()
	app := &App{Config: cfg, Logger: logger, def: def}

	scopes, err := scope.NewManager(cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("scope root: %w", err)
	}
	if n, err := scopes.Sweep(); err != nil {
		logger.Warn().Err(err).Msg("sweep stale scopes")
	} else if n > 0 {
		logger.Info().Int("removed", n).Msg("removed stale scopes")
	}
	app.Scopes = scopes

	tools := o.tools
	if tools == nil {
		tools = toolexec.New(cfg.ToolTimeout(), logger)
	}
	gpu := health.DetectGPU(ctx, tools, cfg.Device)
	logger.Info().Bool("gpu", gpu).Str("device", cfg.Device).Msg("accelerator probe")

	var sink encode.Sink
	var events modelcache.EventPublisher
	if cfg.NATS.URL != "" {
		store, err := artifacts.Connect(cfg.NATS.URL, cfg.NATS.Bucket)
		if err != nil {
			logger.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("artifact sink disabled")
		} else {
			sink = store
			if pub := store.Events(def.Name, logger); pub != nil {
				events = pub
			}
			app.closers = append(app.closers, store.Close)
		}
	}

	var results pipeline.ResultCache
	if cfg.Redis.Addr != "" {
		rc, err := resultcache.New(ctx, resultcache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      time.Duration(cfg.Redis.TTLSeconds) * time.Second,
		})
		if err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("result cache disabled")
		} else {
			results = rc
			app.closers = append(app.closers, func() { _ = rc.Close() })
		}
	}

	if def.Worker {
		script := cfg.WorkerScript
		if script == "" {
			script = filepath.Join("workers", def.Name+"_worker.py")
		}
		device := cfg.Device
		args := def.WorkerArgs
		app.Launcher = runtime.NewLauncher(runtime.Config{
			Python: cfg.Python,
			Script: script,
			Args: func(key string) []string {
				var a []string
				if args != nil {
					a = args(key)
				}
				return append(a, "--device", device)
			},
			Env:          deviceEnv(device),
			PortStart:    cfg.WorkerPortStart,
			PortEnd:      cfg.WorkerPortEnd,
			ReadyTimeout: cfg.WorkerReadyTimeout(),
			Logger:       logger,
		})
		var loader inference.Loader = app.Launcher
		if o.loader != nil {
			loader = o.loader
		}
		copts := []modelcache.Option{modelcache.WithLogger(logger)}
		if events != nil {
			copts = append(copts, modelcache.WithPublisher(events))
		}
		app.Cache = modelcache.New(def.Name, loader, copts...)
	}

	p := &pipeline.Pipeline{
		Service: def.Name,
		Scopes:  scopes,
		Cache:   app.Cache,
		Tools:   tools,
		Encoder: &encode.Encoder{Service: def.Name, Sink: sink, Logger: logger},
		Results: results,
		Logger:  logger,
	}
	svc, err := def.Build(Deps{Config: cfg, Pipeline: p, Cache: app.Cache, Tools: tools, Logger: logger})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("build %s: %w", def.Name, err)
	}
	reporter := &health.Reporter{Service: def.Name, Loaded: svc.Loaded, GPU: gpu, Extra: svc.HealthExtra}
	httpapi.SetMaxBodyBytes(cfg.MaxUploadBytes())
	httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.Origins, nil, nil)
	app.Handler = httpapi.NewMux(&mounted{svc: svc, reporter: reporter, cache: app.Cache})
	return app, nil
}

func deviceEnv(device string) []string {
	env := []string{"MEDIAGW_DEVICE=" + device}
	if device == "cpu" {
		env = append(env, "CUDA_VISIBLE_DEVICES=")
	}
	return env
}

// mounted adapts a Service to the router.
type mounted struct {
	svc      Service
	reporter *health.Reporter
	cache    *modelcache.Cache
}

func (m *mounted) Mount(r chi.Router)   { m.svc.Mount(r) }
func (m *mounted) Health() http.Handler { return m.reporter }

// Ready is false only while a model load is in progress.
func (m *mounted) Ready() bool {
	if m.cache == nil {
		return true
	}
	return m.cache.Snapshot().State != modelcache.StateLoading
}

// Serve listens on the configured address until ctx is done, then shuts down
// gracefully and releases every backend.
func (a *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.Config.Addr, err)
	}
	return a.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (a *App) ServeListener(ctx context.Context, ln net.Listener) error {
	defer a.Close()
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetBaseContext(baseCtx)
	srv := &http.Server{
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	deregister := a.register(ln.Addr())
	defer deregister()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	a.Logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	// cancel work still running after the grace period
	cancelBase()
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func (a *App) register(addr net.Addr) func() {
	c := a.Config.Consul
	if c.Addr == "" {
		return func() {}
	}
	reg, err := discovery.New(c.Addr, a.Logger)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("consul registration disabled")
		return func() {}
	}
	host := c.ServiceAddress
	port := 0
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = tcp.Port
		if host == "" && !tcp.IP.IsUnspecified() {
			host = tcp.IP.String()
		}
	} else if _, p, err := net.SplitHostPort(addr.String()); err == nil {
		port, _ = strconv.Atoi(p)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	id := discovery.ServiceID(a.def.Name, host, port)
	if err := reg.Register(discovery.Registration{
		ID:         id,
		Name:       "mediagw-" + a.def.Name,
		Tags:       c.Tags,
		Address:    host,
		Port:       port,
		HealthPath: "/healthz",
	}); err != nil {
		a.Logger.Warn().Err(err).Msg("consul register failed")
		return func() {}
	}
	return func() {
		if err := reg.Deregister(id); err != nil {
			a.Logger.Warn().Err(err).Msg("consul deregister failed")
		}
	}
}

// Close stops workers and releases backends. Safe to call more than once.
func (a *App) Close() {
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close model cache")
		}
	}
	if a.Launcher != nil {
		a.Launcher.StopAll()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
