package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goclaw/cadence/config"
	"github.com/goclaw/cadence/pkg/logger"
	"github.com/goclaw/cadence/pkg/metrics"
	"github.com/goclaw/cadence/pkg/telemetry/tracing"
	"github.com/goclaw/cadence/pkg/version"
	"golang.org/x/sync/errgroup"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")
	watchFlag   = flag.Bool("watch", true, "Hot-reload limits and log level when the config file changes")

	// CLI overrides
	serverPort   = flag.Int("port", 0, "Override server port")
	logLevel     = flag.String("log-level", "", "Override log level")
	cacheBackend = flag.String("cache", "", "Override cache backend (memory, redis)")
	storeBackend = flag.String("store", "", "Override store backend (memory, sqlite, postgres)")
	instance     = flag.String("instance-id", "", "Override lease holder and queue consumer name")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		fmt.Println(version.String())
		os.Exit(0)
	}

	overrides := buildOverrides()
	cfg, err := config.Load(*configPath, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	log := logger.New(&logger.Config{
		Level:     logger.ParseLevel(cfg.Log.Level),
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		Service:   cfg.App.Name,
		AddSource: cfg.Log.AddSource,
	})
	logger.SetGlobal(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *configPath, overrides); err != nil {
		log.Error("cadence exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("cadence stopped gracefully")
}

// run starts every component and blocks until ctx is cancelled or the HTTP
// server fails, then shuts down in reverse order.
func run(ctx context.Context, cfg *config.Config, log logger.Logger, path string, overrides map[string]interface{}) error {
	log.Info("Starting cadence",
		"version", version.Version,
		"gitCommit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
		"cache", cfg.Cache.Backend,
		"store", cfg.Store.Backend,
		"queue", cfg.Queue.Backend,
	)

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:    cfg.Tracing.Enabled,
		Exporter:   cfg.Tracing.Exporter,
		Endpoint:   cfg.Tracing.Endpoint,
		Headers:    cfg.Tracing.Headers,
		Timeout:    cfg.Tracing.Timeout,
		Sampler:    cfg.Tracing.Sampler,
		SampleRate: cfg.Tracing.SampleRate,
	}, cfg.App.Name, version.Version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	mcfg := metrics.DefaultConfig()
	mcfg.Enabled = cfg.Metrics.Enabled
	mcfg.Port = cfg.Metrics.Port
	mcfg.Path = cfg.Metrics.Path
	mm := metrics.NewManager(mcfg)

	a, err := build(ctx, cfg, log, mm)
	if err != nil {
		_ = shutdownTracing(context.Background())
		return err
	}

	if err := a.engine.Start(ctx); err != nil {
		_ = a.close()
		_ = shutdownTracing(context.Background())
		return fmt.Errorf("start engine: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.server.Start)
	if mm.Enabled() {
		g.Go(func() error {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			return mm.StartServer(gctx, cfg.Metrics.Port, cfg.Metrics.Path)
		})
	}
	if path != "" && *watchFlag {
		g.Go(func() error { return watchConfig(gctx, a, path, overrides) })
	}

	log.Info("cadence is running", "http", cfg.Server.Address(), "instance", instanceID(cfg))

	<-gctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := a.engine.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop engine: %w", err))
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	if err := a.close(); err != nil {
		errs = append(errs, fmt.Errorf("close backends: %w", err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
	}
	return errors.Join(errs...)
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *cacheBackend != "" {
		overrides["cache.backend"] = *cacheBackend
	}
	if *storeBackend != "" {
		overrides["store.backend"] = *storeBackend
	}
	if *instance != "" {
		overrides["app.instance_id"] = *instance
	}

	return overrides
}

func printHelp() {
	fmt.Printf("cadence - review schedule cache and consistency engine\n\n")
	fmt.Printf("Usage: cadence [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  cadence                                   # In-memory cache and store\n")
	fmt.Printf("  cadence -config cadence.yaml              # Use specific config file\n")
	fmt.Printf("  cadence -cache redis -store postgres      # Override backends\n")
	fmt.Printf("  cadence -version                          # Print version info\n")
}
