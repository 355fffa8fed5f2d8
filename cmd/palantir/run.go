package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/balance"
	"github.com/eugener/palantir/internal/config"
	"github.com/eugener/palantir/internal/events"
	"github.com/eugener/palantir/internal/forward"
	"github.com/eugener/palantir/internal/pipeline"
	"github.com/eugener/palantir/internal/provider/anthropic"
	"github.com/eugener/palantir/internal/server"
	"github.com/eugener/palantir/internal/storage/sqlite"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/token"
	"github.com/eugener/palantir/internal/worker"
)

// exitError carries a process exit code up to main.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitConfig
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	logs := events.NewHandler(parseLevel(cfg.Logs.Level), cfg.Logs.RingSize)
	slog.SetDefault(slog.New(logs))

	slog.Info("starting palantir", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		if errors.Is(err, relay.ErrMigration) {
			return &exitError{code: exitMigration, err: err}
		}
		return &exitError{code: exitConfig, err: err}
	}
	defer store.Close()

	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	// Observability
	var metrics *telemetry.Metrics
	var registry *prometheus.Registry
	if cfg.Telemetry.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(registry)
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing, version)
		if err != nil {
			return &exitError{code: exitConfig, err: err}
		}
		defer shutdown(context.Background()) //nolint:errcheck
	}

	// Core wiring
	writer := worker.NewWriter(store, cfg.Writer)
	if metrics != nil {
		writer.SetDropHook(func(kind string) {
			metrics.WriterDrops.WithLabelValues(kind).Inc()
		})
	}

	tokens := token.NewManager(cfg.OAuth, writer)
	if metrics != nil {
		tokens.SetRefreshHook(func(outcome string) {
			metrics.TokenRefreshes.WithLabelValues(outcome).Inc()
		})
	}

	balancer, err := balance.New(store, writer, cfg.Session, cfg.Counters)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	resolver := &dnscache.Resolver{}
	transport := forward.NewTransport(resolver, cfg.Upstream)
	fwd := forward.New(transport, cfg.Upstream)

	adapter := anthropic.New(cfg.Upstream.BaseURL, cfg.Upstream.APIVersion)
	pipe := pipeline.New(adapter, balancer, tokens, fwd, writer, metrics, cfg.Tee)

	handler := server.New(server.Deps{
		Store:      store,
		Balancer:   balancer,
		Tokens:     tokens,
		Pipeline:   pipe,
		Logs:       logs,
		Registry:   registry,
		ReadyCheck: store.Ping,
		AdminToken: cfg.Server.AdminToken,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background workers. Their context outlives the HTTP server so the
	// writer can drain ops enqueued by the final in-flight requests.
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	runner := worker.NewRunner(
		writer,
		worker.NewJanitor(store, writer, cfg.Counters),
	)
	workersDone := make(chan error, 1)
	go func() {
		workersDone <- runner.Run(workerCtx)
	}()
	go refreshDNS(workerCtx, resolver)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("palantir ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		stopWorkers()
		<-workersDone
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown", "error", err)
	}

	stopWorkers()
	if err := <-workersDone; err != nil {
		slog.Error("worker shutdown", "error", err)
	}

	slog.Info("palantir stopped")
	return nil
}

// refreshDNS re-resolves cached upstream hosts periodically.
func refreshDNS(ctx context.Context, resolver *dnscache.Resolver) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			resolver.Refresh(true)
		case <-ctx.Done():
			return
		}
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
