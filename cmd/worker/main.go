package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/killdeer/ffcsa-ops/internal/app"
	"github.com/killdeer/ffcsa-ops/internal/config"
	"github.com/killdeer/ffcsa-ops/internal/obs"
	"github.com/killdeer/ffcsa-ops/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().
		Str("env", cfg.AppEnv).Str("component", "worker").Logger()
	if cfg.RedisURL == "" {
		logger.Fatal().Msg("REDIS_URL is required for the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopTracing := app.InitTracing(ctx, cfg, cfg.Obs.ServiceName+"-worker", logger)
	defer stopTracing()

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	deps, err := app.New(initCtx, cfg, logger, app.Options{AppName: "ffcsa-worker"})
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	syncer, err := deps.Syncer()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise price sync")
	}
	if err := queue.RegisterMetrics(nil); err != nil {
		logger.Warn().Err(err).Msg("register queue metrics")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis uri for queue")
	}
	srv := queue.NewServer(queue.ServerConfig{
		Redis:       redisOpt,
		Concurrency: cfg.Queue.Concurrency,
		Logger:      logger,
	})
	mux := queue.NewServeMux(queue.Handler{Syncer: syncer, Logger: obs.Component(logger, "pricesync")})

	inspector := asynq.NewInspector(redisOpt)
	defer func() { _ = inspector.Close() }()
	go queue.SampleDepth(ctx, inspector, queue.DefaultQueue, 15*time.Second, logger)

	if addr := envOrDefault("WORKER_METRICS_ADDR", ""); addr != "" && cfg.Obs.MetricsEnabled {
		go serveMetrics(ctx, addr, logger)
	}

	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}
	logger.Info().Int("concurrency", cfg.Queue.Concurrency).Msg("worker starting")

	<-ctx.Done()
	srv.Shutdown()
	logger.Info().Msg("worker shutdown complete")
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics listener starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics listener stopped")
	}
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
