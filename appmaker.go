// Package appmaker assembles the generator daemon: project storage, the model
// client, the single-slot application supervisor and the HTTP API.
package appmaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/appmaker/internal/config"
	"github.com/loykin/appmaker/internal/env"
	"github.com/loykin/appmaker/internal/history"
	"github.com/loykin/appmaker/internal/history/factory"
	"github.com/loykin/appmaker/internal/llm"
	"github.com/loykin/appmaker/internal/logger"
	"github.com/loykin/appmaker/internal/metrics"
	"github.com/loykin/appmaker/internal/problem"
	"github.com/loykin/appmaker/internal/project"
	"github.com/loykin/appmaker/internal/provision"
	"github.com/loykin/appmaker/internal/runner"
	"github.com/loykin/appmaker/internal/server"
	"github.com/loykin/appmaker/internal/service"
)

// Re-export configuration so embedders need not reach into internal packages.
type Config = config.Config

// RunStatus is the supervisor snapshot served at /runner/status.
type RunStatus = runner.RunStatus

func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a TOML file (optional) with environment overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// RunPIDFile is the default pid file for stale application cleanup, kept in
// the projects directory.
const RunPIDFile = ".appmaker-run.pid"

// App is a fully wired daemon.
type App struct {
	cfg Config
	log *slog.Logger

	Store      *project.Store
	Supervisor *runner.Supervisor
	Service    *service.Service
	Activity   *logger.Activity

	history *history.Fanout
	usage   *metrics.UsageCollector
	router  *server.Router
	closers []io.Closer
}

type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	generator  llm.Generator
	prov       runner.Provisioner
	logOut     io.Writer
}

// WithRegisterer registers metrics somewhere other than the default registry.
func WithRegisterer(r prometheus.Registerer) Option { return func(o *options) { o.registerer = r } }

// WithGenerator replaces the model client.
func WithGenerator(g llm.Generator) Option { return func(o *options) { o.generator = g } }

// WithProvisioner replaces the interpreter environment setup.
func WithProvisioner(p runner.Provisioner) Option { return func(o *options) { o.prov = p } }

// WithLogOutput sends console logs to w instead of stderr.
func WithLogOutput(w io.Writer) Option { return func(o *options) { o.logOut = w } }

// New wires every component from cfg. Close releases what it opened.
func New(cfg Config, opts ...Option) (*App, error) {
	o := options{registerer: prometheus.DefaultRegisterer, logOut: os.Stderr}
	for _, fn := range opts {
		fn(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l, logCloser, err := logger.Setup(cfg.Log, o.logOut)
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	a := &App{cfg: cfg, log: l, closers: []io.Closer{logCloser}}

	a.Store, err = project.NewStore(cfg.Projects.Dir,
		project.WithManifest(cfg.Runner.Provision.Manifest),
		project.WithLogger(l))
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Activity = logger.NewActivity(logger.DefaultActivityLimit, l)
	problems := problem.NewRecorder(a.Store.Root(), l)

	prov := o.prov
	if prov == nil {
		prov = provision.New(cfg.Runner.Provision,
			provision.WithEnv(env.New().WithBase(cfg.ChildEnv())),
			provision.WithReporter(a.Activity),
			provision.WithLogger(l))
	}

	a.history = factory.NewFanout(cfg.History.DSNs, l)
	a.closers = append(a.closers, a.history)

	supCfg := cfg.Runner.Supervisor
	if supCfg.PIDFile == "" {
		supCfg.PIDFile = filepath.Join(a.Store.Root(), RunPIDFile)
	}
	supOpts := []runner.Option{runner.WithLogger(l), runner.WithRunLogs(cfg.Log)}
	if a.history.Len() > 0 {
		supOpts = append(supOpts, runner.WithHistory(a.history))
	}
	a.Supervisor = runner.New(supCfg, a.Store, prov, problems, a.Activity, supOpts...)

	gen := o.generator
	if gen == nil {
		gen = llm.New(cfg.LLM, llm.WithLogger(l))
	}
	a.Service = service.New(a.Store, gen, problems, a.Supervisor, a.Activity, l)

	a.usage = metrics.NewUsageCollector(cfg.Metrics.Usage)
	if cfg.Metrics.Enabled {
		if err := metrics.Register(o.registerer); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if err := a.usage.RegisterMetrics(o.registerer); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("register usage metrics: %w", err)
		}
	}

	routerOpts := []server.Option{
		server.WithCORS(cfg.Server.CORS.Origins),
		server.WithUsage(a.usage),
		server.WithMetrics(cfg.Metrics.Enabled && cfg.Metrics.Listen == ""),
	}
	if a.history.Len() > 0 {
		routerOpts = append(routerOpts, server.WithRunHistory(a.history))
	}
	a.router = server.NewRouter(a.Service, a.Supervisor, a.Activity, cfg.Server.BasePath, routerOpts...)
	return a, nil
}

// Handler exposes the API for embedding in another server.
func (a *App) Handler() http.Handler { return a.router.Handler() }

// Serve cleans up an application left by a previous daemon, then serves the
// API until ctx is cancelled. The running application is stopped on return.
func (a *App) Serve(ctx context.Context) error {
	a.Supervisor.ReapStale()
	a.usage.Start(ctx, a.Supervisor.CurrentPID)
	defer a.usage.Stop()

	servers := []*http.Server{server.NewServer(a.cfg.Server.Listen, a.router)}
	if a.cfg.Metrics.Enabled && a.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		servers = append(servers, &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		a.log.Info("listening", "addr", srv.Addr)
		go func(s *http.Server) {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve %s: %w", s.Addr, err)
			}
		}(srv)
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	if err := a.Supervisor.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("failed to stop application on shutdown", "error", err)
	}
	return serveErr
}

// Close releases history sinks and the log file.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if c := a.closers[i]; c != nil {
			errs = append(errs, c.Close())
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
