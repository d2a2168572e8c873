// Package main is the entry point for the traffic director.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/avdirector/internal/config"
	"github.com/vyrodovalexey/avdirector/internal/director"
	"github.com/vyrodovalexey/avdirector/internal/health"
	"github.com/vyrodovalexey/avdirector/internal/kube"
	"github.com/vyrodovalexey/avdirector/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		fmt.Printf("avdirector version %s (commit %s)\n", version, gitCommit)
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)

	metrics := observability.NewMetrics("director")
	metrics.SetBuildInfo(version, gitCommit)

	tracer := initTracer(cfg, logger)

	run(cfg, flags.configPath, logger, metrics, tracer)
}

// parseFlags parses command line flags with environment fallbacks.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("DIRECTOR_CONFIG_PATH", "/etc/avdirector/config.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("DIRECTOR_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("DIRECTOR_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// getEnvOrDefault returns an environment variable or a default.
func getEnvOrDefault(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// initLogger initializes the global logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadAndValidateConfig loads and validates the configuration. Any failure
// is fatal before a single listener binds.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting avdirector",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	if err := config.ValidateConfig(cfg); err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	return cfg
}

// initTracer initializes OpenTelemetry tracing.
func initTracer(cfg *config.Config, logger observability.Logger) *observability.Tracer {
	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  cfg.Observability.ServiceName,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		SamplingRate: cfg.Observability.TracingSampleRate,
		Enabled:      cfg.Observability.TracingEnabled,
	})
	if err != nil {
		logger.Fatal("failed to initialize tracing", observability.Error(err))
	}
	return tracer
}

// run wires everything together and blocks until shutdown.
func run(
	cfg *config.Config,
	configPath string,
	logger observability.Logger,
	metrics *observability.Metrics,
	tracer *observability.Tracer,
) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := kube.NewDynamicClient()
	if err != nil {
		logger.Fatal("failed to create kubernetes client", observability.Error(err))
	}

	adapter := kube.NewAdapter(client, cfg.ResourceQueryMapping,
		kube.WithAdapterLogger(logger.With(observability.String("component", "kube"))),
		kube.WithAdapterMetrics(metrics),
		kube.WithLookupTimeout(cfg.LookupTimeout.Duration()),
	)

	d, err := director.New(cfg, adapter,
		director.WithLogger(logger),
		director.WithMetrics(metrics),
	)
	if err != nil {
		logger.Fatal("failed to assemble director", observability.Error(err))
	}

	verifyDefaultEndpoint(ctx, cfg, adapter, logger)

	if err := d.Start(ctx); err != nil {
		logger.Fatal("failed to start director", observability.Error(err))
	}

	ops := startOpsServer(ctx, cfg, adapter, metrics, logger)
	startConfigWatcher(ctx, configPath, d, logger)

	waitForShutdown(logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		cfg.ShutdownGrace.Duration())
	defer shutdownCancel()

	cancel()
	if ops != nil {
		_ = ops.Stop(shutdownCtx)
	}
	if err := d.Stop(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", observability.Error(err))
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown incomplete", observability.Error(err))
	}

	logger.Info("avdirector shutdown complete")
}

// verifyDefaultEndpoint checks at startup that the configured default
// endpoint resolves, logging the outcome. Failures are not fatal: the
// monitor keeps watching and clients with tokens are unaffected.
func verifyDefaultEndpoint(
	ctx context.Context,
	cfg *config.Config,
	adapter *kube.Adapter,
	logger observability.Logger,
) {
	if cfg.DefaultEndpoint == nil {
		return
	}

	candidates, err := adapter.List(ctx,
		cfg.DefaultEndpoint.ResourceType,
		cfg.DefaultEndpoint.Namespace,
		cfg.DefaultEndpoint.LabelSelector)
	switch {
	case err != nil:
		logger.Warn("default endpoint verification failed; check RBAC and mapping",
			observability.String("resourceType", cfg.DefaultEndpoint.ResourceType),
			observability.String("namespace", cfg.DefaultEndpoint.Namespace),
			observability.Error(err))
	case len(candidates) == 0:
		logger.Warn("no resources match the default endpoint; clients without tokens will be dropped",
			observability.String("resourceType", cfg.DefaultEndpoint.ResourceType),
			observability.String("namespace", cfg.DefaultEndpoint.Namespace))
	default:
		logger.Info("default endpoint verified",
			observability.String("resourceType", cfg.DefaultEndpoint.ResourceType),
			observability.Int("matches", len(candidates)))
	}
}

// startOpsServer starts the health/metrics endpoint when configured.
func startOpsServer(
	ctx context.Context,
	cfg *config.Config,
	adapter *kube.Adapter,
	metrics *observability.Metrics,
	logger observability.Logger,
) *health.Server {
	if cfg.Observability.OpsPort == 0 {
		return nil
	}

	opts := []health.ServerOption{
		health.WithLogger(logger.With(observability.String("component", "ops"))),
	}
	if cfg.Observability.MetricsEnabled {
		opts = append(opts, health.WithMetrics(metrics))
	}

	ops := health.NewServer(cfg.Observability.OpsPort, opts...)
	ops.AddCheck(health.NewCheck("cluster-api", func(checkCtx context.Context) error {
		mapping := anyMappedKind(cfg)
		if mapping == "" {
			return nil
		}
		_, err := adapter.List(checkCtx, mapping, "default", nil)
		return err
	}))

	if err := ops.Start(ctx); err != nil {
		logger.Warn("ops server failed to start", observability.Error(err))
		return nil
	}
	return ops
}

// anyMappedKind returns one configured kind for the readiness probe.
func anyMappedKind(cfg *config.Config) string {
	if cfg.DefaultEndpoint != nil {
		return cfg.DefaultEndpoint.ResourceType
	}
	for kind := range cfg.ResourceQueryMapping {
		return kind
	}
	return ""
}

// startConfigWatcher reloads on ConfigMap changes, invalidating the
// default-endpoint cache so the next packet re-queries. The watcher lives
// until the process context is cancelled.
func startConfigWatcher(
	ctx context.Context,
	configPath string,
	d *director.Director,
	logger observability.Logger,
) {
	watcher, err := config.NewWatcher(configPath,
		func(*config.Config) {
			logger.Info("configuration changed; invalidating default endpoint cache")
			d.InvalidateDefaultEndpoint()
		},
		config.WithLogger(logger.With(observability.String("component", "config-watcher"))),
	)
	if err != nil {
		logger.Warn("config watcher unavailable", observability.Error(err))
		return
	}

	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Warn("config watcher exited", observability.Error(err))
		}
	}()
}

// waitForShutdown blocks until SIGINT or SIGTERM.
func waitForShutdown(logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received",
		observability.String("signal", sig.String()))
}
