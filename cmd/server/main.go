// Package main provides the entry point for the BastionGuard server.
// It reacts to Azure role assignment changes by provisioning and removing
// Bastion hosts.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/lvonguyen/bastionguard/internal/api/gateway"
	"github.com/lvonguyen/bastionguard/internal/cloud"
	"github.com/lvonguyen/bastionguard/internal/cloud/azure"
	"github.com/lvonguyen/bastionguard/internal/config"
	"github.com/lvonguyen/bastionguard/internal/ingestion"
	"github.com/lvonguyen/bastionguard/internal/observability"
	"github.com/lvonguyen/bastionguard/internal/pipeline"
	"github.com/lvonguyen/bastionguard/internal/registry"
	"github.com/lvonguyen/bastionguard/internal/remediation"
	"github.com/lvonguyen/bastionguard/internal/remediation/bastion"
	"github.com/lvonguyen/bastionguard/internal/reporting"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.StringP("config", "c", "configs/config.yaml", "Path to config file")
	dryRun := flag.Bool("dry-run", false, "Plan actions without changing any cloud resource")
	eventFile := flag.String("event-file", "", "Process a single notification payload and exit")
	validateOnly := flag.Bool("validate-config", false, "Validate configuration and role rules, then exit")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("BastionGuard %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	if err := run(*configPath, *dryRun, *eventFile, *validateOnly); err != nil {
		fmt.Fprintf(os.Stderr, "bastionguard: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, dryRun bool, eventFile string, validateOnly bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dryRun {
		cfg.Engine.DryRun = true
	}

	tel, err := observability.New(observability.ConfigFrom(cfg, Version))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()
	logger := tel.Logger()

	logger.Info("starting bastionguard",
		zap.String("version", Version),
		zap.String("config", configPath),
		zap.String("provider", cfg.Cloud.Provider),
		zap.Bool("dry_run", cfg.Engine.DryRun),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, tel, validateOnly)
	if err != nil {
		return err
	}
	defer app.close()

	if validateOnly {
		logger.Info("configuration valid",
			zap.Int("roles", len(app.registry.Rules())),
			zap.Strings("handlers", app.handlers.Names()),
		)
		return nil
	}

	if eventFile != "" {
		return runOnce(ctx, app, eventFile)
	}
	return serve(ctx, cfg, app, tel)
}

// app holds everything shared by invocations.
type app struct {
	registry *registry.Registry
	handlers *remediation.HandlerSet
	guard    *cloud.Guard
	pipeline *pipeline.Pipeline
	redis    *redis.Client
	closers  []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, tel *observability.Telemetry, validateOnly bool) (*app, error) {
	logger := tel.Logger()
	a := &app{}

	guard := cloud.NewGuard(cloud.GuardConfig{
		RequestsPerSecond: cfg.Cloud.RequestsPerSecond,
		Burst:             cfg.Cloud.Burst,
		BreakerFailures:   cfg.Cloud.BreakerFailures,
		BreakerTimeout:    cfg.Cloud.BreakerTimeout,
	}, logger)
	a.guard = guard

	prov, grants, err := buildBackend(cfg, logger)
	if err != nil {
		return nil, err
	}

	handlers, err := remediation.NewHandlerSet(
		bastion.NewCreateHandler(guard.Provisioner(prov)),
		bastion.NewCleanupHandler(guard.Provisioner(prov), guard.GrantChecker(grants)),
		remediation.NewAuditLogHandler(),
	)
	if err != nil {
		return nil, err
	}
	a.handlers = handlers

	reg, err := registry.Load(cfg.Registry(), handlers, logger)
	if err != nil {
		return nil, err
	}
	a.registry = reg

	if validateOnly {
		return a, nil
	}

	sinks, err := a.buildSinks(ctx, cfg, tel)
	if err != nil {
		a.close()
		return nil, err
	}
	reporter := reporting.NewReporter(logger, sinks...)
	reporter.OnSinkError(func(name string) {
		tel.Metrics().SinkErrors.WithLabelValues(name).Inc()
	})

	exec := remediation.NewExecutor(handlers, cfg.Engine, reg.Settings(), logger)
	a.pipeline = pipeline.New(reg, exec, reporter, logger)
	return a, nil
}

func buildBackend(cfg *config.Config, logger *zap.Logger) (cloud.Provisioner, cloud.GrantChecker, error) {
	switch cfg.Cloud.Provider {
	case "memory":
		logger.Warn("using in-memory cloud backend; no Azure resources will be touched")
		return cloud.NewMemoryProvisioner(), cloud.NewMemoryGrants(), nil
	case "azure":
		backend, err := azure.NewBackend(cfg.Cloud.SubscriptionID, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing azure backend: %w", err)
		}
		return backend.Provisioner, backend.GrantChecker, nil
	default:
		return nil, nil, fmt.Errorf("unsupported cloud provider %q", cfg.Cloud.Provider)
	}
}

func (a *app) buildSinks(ctx context.Context, cfg *config.Config, tel *observability.Telemetry) ([]reporting.Sink, error) {
	logger := tel.Logger()
	sinks := []reporting.Sink{
		reporting.NewLogSink(logger),
		reporting.NewMetricsSink(tel.Metrics()),
	}

	if cfg.Reporting.RedisStream.Enabled || cfg.RateLimit.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: os.Getenv(cfg.Redis.PasswordEnv),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		a.closers = append(a.closers, func() { _ = a.redis.Close() })
	}

	if cfg.Reporting.RedisStream.Enabled {
		sinks = append(sinks, reporting.NewRedisStreamSink(a.redis, cfg.Reporting.RedisStream.Stream, cfg.Reporting.RedisStream.MaxLen))
	}

	if cfg.Reporting.PostgresStore.Enabled {
		dsn := os.Getenv(cfg.Postgres.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("postgres store enabled but %s is not set", cfg.Postgres.DSNEnv)
		}
		pcfg := cfg.Reporting.PostgresStore
		store, err := reporting.OpenPostgresStore(ctx, dsn, pcfg.Table, cfg.Postgres.MaxOpenConns)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		sink := reporting.NewPostgresSink(store, pcfg.BufferSize, pcfg.BatchSize, pcfg.FlushInterval, logger)
		a.closers = append(a.closers, sink.Close)
		sinks = append(sinks, sink)
	}

	logger.Info("outcome sinks configured", zap.Strings("optional", cfg.EnabledSinks()))
	return sinks, nil
}

// runOnce processes one payload file and prints the report, the way a
// serverless invocation would.
func runOnce(ctx context.Context, a *app, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading event file: %w", err)
	}
	rep := a.pipeline.Process(ctx, raw)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func serve(ctx context.Context, cfg *config.Config, a *app, tel *observability.Telemetry) error {
	logger := tel.Logger()
	tel.StartSystemMetricsCollector(ctx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": Version})
	})
	r.Get("/ready", a.handleReady)
	if cfg.Telemetry.MetricsEnabled {
		r.Handle(cfg.Telemetry.MetricsPath, tel.MetricsHandler())
	}

	token := os.Getenv(cfg.Webhook.TokenEnv)
	if token == "" {
		logger.Warn("webhook token not set; every notification will be refused", zap.String("env", cfg.Webhook.TokenEnv))
	}
	receiver := ingestion.NewReceiver(cfg.Webhook, token, a.pipeline, tel.Metrics(), logger)

	var mw []func(http.Handler) http.Handler
	if cfg.RateLimit.Enabled {
		limiter := gateway.NewRateLimiter(gateway.NewRedisCounter(a.redis), cfg.RateLimit, logger)
		mw = append(mw, limiter.Middleware())
	}
	receiver.Routes(r, mw...)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr), zap.String("webhook", cfg.Webhook.Path))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

func (a *app) handleReady(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"cloud_breaker": a.guard.State()}
	code := http.StatusOK

	if a.guard.State() == "open" {
		code = http.StatusServiceUnavailable
	}
	if a.redis != nil {
		if err := a.redis.Ping(r.Context()).Err(); err != nil {
			status["redis"] = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			status["redis"] = "ok"
		}
	}
	if code == http.StatusOK {
		status["status"] = "ready"
	} else {
		status["status"] = "not_ready"
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
