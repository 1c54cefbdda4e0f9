package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/jobdriver/internal/config"
	"github.com/psantana5/jobdriver/internal/hello"
	"github.com/psantana5/jobdriver/pkg/api"
	"github.com/psantana5/jobdriver/pkg/auth"
	"github.com/psantana5/jobdriver/pkg/driver"
	"github.com/psantana5/jobdriver/pkg/journal"
	"github.com/psantana5/jobdriver/pkg/logging"
	"github.com/psantana5/jobdriver/pkg/metrics"
	"github.com/psantana5/jobdriver/pkg/models"
	"github.com/psantana5/jobdriver/pkg/ratelimit"
	"github.com/psantana5/jobdriver/pkg/runtime"
	"github.com/psantana5/jobdriver/pkg/shell"
	"github.com/psantana5/jobdriver/pkg/shutdown"
	tlsutil "github.com/psantana5/jobdriver/pkg/tls"
	"github.com/psantana5/jobdriver/pkg/tracing"
)

const shutdownTimeout = 15 * time.Second

// app is one driver process: the job, its runtime and the HTTP bridge
type app struct {
	cfg    *config.Config
	logger *logging.Logger

	metrics    *metrics.Recorder
	tracer     *tracing.Provider
	store      journal.Store
	writer     *journal.Writer
	janitor    *journal.Janitor
	dispatcher *driver.Dispatcher
	runtime    *runtime.Local
	shell      *shell.Worker
	bridge     *api.Bridge
	limiter    *ratelimit.Limiter
	server     *http.Server
	listener   net.Listener
	shutdown   *shutdown.Manager
}

// newApp builds every component and binds the listener. On error anything
// already opened is released.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (a *app, err error) {
	steps := shutdown.New(shutdownTimeout, logger)
	defer func() {
		if err != nil {
			steps.Shutdown()
		}
	}()
	a = &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.NewRecorder(),
		shutdown: steps,
	}

	a.tracer, err = tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "hellodriver",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, err
	}
	a.shutdown.Register("tracing", a.tracer.Shutdown)

	a.store, err = journal.NewStore(ctx, journal.Config{
		Type:     cfg.Journal.Type,
		DSN:      cfg.Journal.DSN,
		Capacity: cfg.Journal.Capacity,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	a.shutdown.Register("journal store", shutdown.CloseResource(a.store))
	a.writer = journal.NewWriter(a.store, cfg.Journal.Buffer, logger, a.metrics.JournalDropped)
	a.shutdown.Register("journal writer", a.writer.Close)
	a.janitor = journal.NewJanitor(a.store, cfg.Journal.Retention, cfg.Journal.PruneInterval,
		logger.WithField("component", "journal"))

	if err := a.buildJob(); err != nil {
		return nil, err
	}
	if err := a.buildHTTP(); err != nil {
		return nil, err
	}
	return a, nil
}

// buildJob wires runtime, shell worker and handlers around the dispatcher.
// The runtime and the worker need the dispatcher and the dispatcher needs
// the runtime, so both close over d.
func (a *app) buildJob() error {
	cfg := a.cfg
	var d *driver.Dispatcher

	a.runtime = runtime.NewLocal(runtime.LocalConfig{
		Threads:      cfg.Runtime.Threads,
		TaskDuration: cfg.Runtime.TaskDuration,
	}, runtime.SinkFunc(func(ctx context.Context, ev models.Event) error {
		return d.Dispatch(ctx, ev)
	}), a.logger)

	var runner hello.CommandRunner
	if cfg.Shell.Enabled {
		a.shell = shell.NewWorker(shell.Config{
			Workers:        cfg.Runtime.Threads,
			QueueSize:      cfg.Bridge.QueueSize,
			Timeout:        cfg.Shell.Timeout,
			MaxOutputBytes: cfg.Shell.MaxOutputBytes,
		}, shell.UpdaterFunc(func(id string, fn func(*models.MessageRecord)) bool {
			return d.UpdateCommand(id, fn)
		}), a.logger, a.metrics)
		runner = a.shell
	}

	h := hello.New(a.runtime, runner, hello.Config{Evaluators: cfg.Runtime.Evaluators}, a.logger)
	bindings := hello.JobBindings(h)
	for _, kind := range bindings.Overrides() {
		a.logger.Warn("Handler binding replaced by a later registration", logging.Fields{"kind": kind.String()})
	}
	for _, kind := range bindings.Shared() {
		a.logger.Info("Handlers chained for event", logging.Fields{"kind": kind.String()})
	}
	reg, err := bindings.Build()
	if err != nil {
		return err
	}

	d = driver.New(cfg.Driver.ID, reg,
		driver.WithLogger(a.logger),
		driver.WithMetrics(a.metrics),
		driver.WithTracer(a.tracer),
		driver.WithJournal(a.writer),
		driver.WithStopRequester(a.runtime),
		driver.WithMessageLogSize(cfg.Bridge.MessageLogSize),
	)
	a.dispatcher = d
	return nil
}

func (a *app) buildHTTP() error {
	cfg := a.cfg

	a.bridge = api.NewBridge(a.dispatcher, api.Config{
		MaxCommandBytes: cfg.Bridge.MaxCommandBytes,
		QueueSize:       cfg.Bridge.QueueSize,
	}, a.logger)
	a.bridge.SetJournal(a.store)
	a.bridge.SetMetricsRecorder(a.metrics)

	router := mux.NewRouter()
	router.Use(tracing.HTTPMiddleware(a.tracer))

	keys, err := auth.NewKeyChecker(cfg.HTTP.APIKey, cfg.HTTP.APIKeyHash)
	if err != nil {
		return &driver.ConfigurationError{Field: "http.api_key_hash", Reason: err.Error()}
	}
	if keys != nil {
		router.Use(keys.Middleware)
	} else {
		a.logger.Warn("No API key configured, the bridge accepts unauthenticated commands")
	}

	var commandMiddleware []mux.MiddlewareFunc
	if cfg.Bridge.RateLimitRPS > 0 {
		a.limiter = ratelimit.NewLimiter(cfg.Bridge.RateLimitRPS, cfg.Bridge.RateLimitBurst)
		commandMiddleware = append(commandMiddleware, a.limiter.Middleware(ratelimit.ClientKeyFunc))
	}
	a.bridge.RegisterRoutes(router, commandMiddleware...)

	a.listener, err = net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.HTTP.Addr, err)
	}
	a.server = &http.Server{
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	if cfg.HTTP.TLSEnabled() {
		a.server.TLSConfig, err = tlsutil.ServerConfig(cfg.HTTP.TLSCertFile, cfg.HTTP.TLSKeyFile, cfg.HTTP.TLSClientCAFile)
		if err != nil {
			a.listener.Close()
			return &driver.ConfigurationError{Field: "http.tls_cert_file", Reason: err.Error()}
		}
	}
	a.shutdown.Register("listener", func(context.Context) error {
		if err := a.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})
	return nil
}

// Addr is the bound HTTP address
func (a *app) Addr() string {
	return a.listener.Addr().String()
}

// URL is the base URL clients use to reach the bridge
func (a *app) URL() string {
	if a.server.TLSConfig != nil {
		return "https://" + a.Addr()
	}
	return "http://" + a.Addr()
}

func (a *app) serve() error {
	if a.server.TLSConfig != nil {
		return a.server.ServeTLS(a.listener, "", "")
	}
	return a.server.Serve(a.listener)
}

// Run serves the bridge and blocks until the job ends, times out, or ctx is
// cancelled or a shutdown signal arrives. Every component is stopped before
// it returns.
func (a *app) Run(ctx context.Context) (runtime.Status, error) {
	if a.shell != nil {
		a.shell.Start()
		a.shutdown.Register("shell worker", a.shell.Stop)
	}
	a.janitor.Start()
	a.shutdown.Register("journal retention", func(context.Context) error {
		a.janitor.Stop()
		return nil
	})
	a.bridge.Start()
	a.shutdown.Register("bridge", a.bridge.Stop)

	go func() {
		a.logger.Info("HTTP bridge listening", logging.Fields{"url": a.URL()})
		if err := a.serve(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server error", logging.Fields{"error": err.Error()})
		}
	}()
	a.shutdown.Register("http server", shutdown.StopHTTPServer(a.server))

	if a.limiter != nil {
		stop := make(chan struct{})
		go a.limiter.RunCleanup(time.Minute, 10*time.Minute, stop)
		a.shutdown.Register("rate limiter", func(context.Context) error {
			close(stop)
			return nil
		})
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if a.shutdown.WaitWithContext(runCtx) == nil {
			cancel()
		}
	}()

	launcher := runtime.NewLauncher(a.runtime, a.dispatcher, a.logger)
	status, err := launcher.Run(runCtx, a.cfg.Driver.JobTimeout())
	cancel()

	if path := a.cfg.Metrics.Textfile; path != "" {
		if werr := a.metrics.WriteTextfile(path); werr != nil {
			a.logger.Warn("Failed to write metrics textfile", logging.Fields{"path": path, "error": werr.Error()})
		}
	}

	if serr := a.shutdown.Shutdown(); serr != nil {
		a.logger.Warn("Shutdown finished with errors", logging.Fields{"error": serr.Error()})
	}
	return status, err
}
