// Command balancer runs the Claude Code provider balancer: a reverse
// proxy that accepts Anthropic Messages API requests and forwards each
// to one of a pool of Anthropic-native or OpenAI-compatible upstreams,
// per the routing, health, and deduplication rules in the on-disk
// configuration file. Grounded on the teacher's cmd/llm-router/main.go
// Application/Run/setupLogger/graceful-shutdown structure.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zkytech/claude-code-provider-balancer/internal/config"
	"github.com/zkytech/claude-code-provider-balancer/internal/controller"
	"github.com/zkytech/claude-code-provider-balancer/internal/dedup"
	"github.com/zkytech/claude-code-provider-balancer/internal/fingerprint"
	"github.com/zkytech/claude-code-provider-balancer/internal/health"
	"github.com/zkytech/claude-code-provider-balancer/internal/providers"
	"github.com/zkytech/claude-code-provider-balancer/internal/routing"
	"github.com/zkytech/claude-code-provider-balancer/internal/server"
	"github.com/zkytech/claude-code-provider-balancer/internal/upstream"
)

// Application owns every long-lived collaborator the balancer wires
// together at startup.
type Application struct {
	configPath string
	cfg        *config.Config
	logger     *logrus.Logger

	registry *providers.Registry
	health   *health.Store
	router   *routing.Router
	dedup    *dedup.Coordinator
	ctl      *controller.Controller
	srv      *server.Server
}

// NewApplication loads configuration and wires every collaborator it
// names into a single request controller and HTTP server.
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	app := &Application{configPath: configPath, cfg: cfg, logger: logger}
	if err := app.wire(); err != nil {
		return nil, err
	}

	app.srv = server.New(app.ctl, serverConfigFrom(app.cfg.Server), app.cfg.Settings.ManagementAuth, logger, app.reload)
	return app, nil
}

func serverConfigFrom(c config.ServerConfig) server.Config {
	return server.Config{
		Host:           c.Host,
		Port:           c.Port,
		ReadTimeout:    c.ReadTimeout,
		WriteTimeout:   c.WriteTimeout,
		MaxHeaderBytes: c.MaxHeaderBytes,
	}
}

// wire constructs the registry/health/router/dedup/controller chain
// from the currently-loaded app.cfg. Used both at startup and by
// reload.
func (app *Application) wire() error {
	healthStore := health.NewStore(app.cfg.HealthConfig(), app.logger)
	registry := providers.NewRegistry(app.cfg.ToProviders(), nil)
	router := routing.New(app.cfg.ToModelRoutes(), registry, healthStore, app.cfg.RoutingConfig(), app.logger)
	dedupCoord := dedup.New(app.cfg.DedupConfig(), app.logger)

	// Non-streaming and streaming calls get their own http.Client, each
	// built from its own settings.timeouts.{non_streaming,streaming} set
	// — a buffered call and a long-lived SSE stream have different
	// connection-establishment and read-deadline needs.
	nonStreamingClient := httpClientFor(app.cfg.Settings.Timeouts.NonStreaming)
	streamingClient := httpClientFor(app.cfg.Settings.Timeouts.Streaming)

	anthropicClient := upstream.NewAnthropicClient(nonStreamingClient, streamingClient, app.logger)
	openaiClient := upstream.NewOpenAIClient(nonStreamingClient, streamingClient, app.logger)

	app.health = healthStore
	app.registry = registry
	app.router = router
	app.dedup = dedupCoord
	app.ctl = &controller.Controller{
		Router:                 router,
		Registry:               registry,
		Health:                 healthStore,
		Dedup:                  dedupCoord,
		Clients:                controller.Clients{Anthropic: anthropicClient, OpenAI: openaiClient},
		FPOptions:              fingerprint.Options{IncludeMaxTokens: app.cfg.Settings.Deduplication.IncludeMaxTokensInSignature},
		Log:                    app.logger,
		UnhealthyCodes:         app.cfg.UnhealthyHTTPCodeSet(),
		StreamFirstByteTimeout: time.Duration(app.cfg.Settings.Timeouts.Streaming.ConnectSeconds) * time.Second,
		CachingWaitTimeout:     time.Duration(app.cfg.Settings.Timeouts.Caching.ReadSeconds) * time.Second,
	}
	return nil
}

// httpClientFor builds an *http.Client whose dial/TLS-handshake deadline
// comes from t.ConnectSeconds and whose overall round-trip deadline comes
// from t.ReadSeconds — the connection-establishment guard and the
// read-bound named in settings.timeouts.*, respectively.
func httpClientFor(t config.TimeoutSet) *http.Client {
	connect := time.Duration(t.ConnectSeconds) * time.Second
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: connect}).DialContext,
		TLSHandshakeTimeout: connect,
	}
	return &http.Client{Transport: transport, Timeout: time.Duration(t.ReadSeconds) * time.Second}
}

// reload re-reads the config file from disk and rebuilds the router
// and registry, leaving health and dedup state untouched so in-flight
// dedup coordination and provider health history survive a reload.
func (app *Application) reload() (*routing.Router, *providers.Registry, error) {
	cfg, err := config.Load(app.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reload: %w", err)
	}
	app.cfg = cfg
	registry := providers.NewRegistry(cfg.ToProviders(), nil)
	router := routing.New(cfg.ToModelRoutes(), registry, app.health, cfg.RoutingConfig(), app.logger)
	app.registry = registry
	app.router = router
	return router, registry, nil
}

// Run starts the HTTP server and the background janitor, and blocks
// until a shutdown signal arrives.
func (app *Application) Run() error {
	app.logger.Info("starting claude-code-provider-balancer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	janitorDone := app.startJanitor(ctx)
	defer func() { <-janitorDone }()

	if app.configPath != "" {
		watcherDone := app.startConfigWatcher(ctx)
		defer func() { <-watcherDone }()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		if err := app.srv.Start(); err != nil {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("shutdown signal received")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := app.srv.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("server shutdown error")
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	app.logger.Info("graceful shutdown complete")
	return nil
}

// startJanitor periodically sweeps expired health-unhealthy entries and
// dedup cache entries, mirroring the background cleanup loop the
// teacher's provider manager ran on a timer.
func (app *Application) startJanitor(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(10 * time.Second)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				app.health.Sweep(now)
				app.dedup.Sweep(now)
			}
		}
	}()
	return done
}

// startConfigWatcher watches the config file on disk and applies the
// same reload path as POST /providers/reload whenever it changes.
func (app *Application) startConfigWatcher(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	watcher := config.NewWatcher(app.configPath, 250*time.Millisecond, app.logger)
	go func() {
		defer close(done)
		if err := watcher.Watch(ctx, func() error {
			router, registry, err := app.reload()
			if err != nil {
				return err
			}
			app.ctl.Router = router
			app.ctl.Registry = registry
			return nil
		}); err != nil {
			app.logger.WithError(err).Warn("config file watcher stopped")
		}
	}()
	return done
}

func setupLogger(logger *logrus.Logger, cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		return fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	switch cfg.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		logger.SetOutput(file)
	}
	return nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  <PROVIDER_NAME>_API_KEY     Per-provider auth override, e.g. ANTHROPIC_DIRECT_API_KEY\n")
	fmt.Fprintf(os.Stderr, "  BALANCER_PORT               Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  BALANCER_LOG_LEVEL          Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  BALANCER_LOG_FORMAT         Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  BALANCER_SELECTION_STRATEGY Provider selection strategy\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		showHelp   = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "application error: %v\n", err)
		os.Exit(1)
	}
}
