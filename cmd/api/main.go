package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/killdeer/ffcsa-ops/internal/app"
	"github.com/killdeer/ffcsa-ops/internal/common"
	"github.com/killdeer/ffcsa-ops/internal/config"
	"github.com/killdeer/ffcsa-ops/internal/health"
	"github.com/killdeer/ffcsa-ops/internal/inventory"
	"github.com/killdeer/ffcsa-ops/internal/obs"
	"github.com/killdeer/ffcsa-ops/internal/pricesync"
	"github.com/killdeer/ffcsa-ops/internal/queue"
	"github.com/killdeer/ffcsa-ops/internal/ratelimit"
	"github.com/killdeer/ffcsa-ops/internal/resilience"
	"github.com/killdeer/ffcsa-ops/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().
		Str("env", cfg.AppEnv).Str("service", "ffcsa-api").Logger()

	stopTracing := app.InitTracing(context.Background(), cfg, cfg.Obs.ServiceName+"-api", logger)
	defer stopTracing()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	deps, err := app.New(ctx, cfg, logger, app.Options{AppName: "ffcsa-api"})
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	syncer, err := deps.Syncer()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise price sync")
	}

	var (
		enqueuer  pricesync.Enqueuer
		inspector *asynq.Inspector
	)
	if cfg.RedisURL != "" {
		redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("parse redis uri for queue")
		}
		taskClient := asynq.NewClient(redisOpt)
		defer func() {
			if err := taskClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close task client")
			}
		}()
		enqueuer = queue.Enqueuer{Client: taskClient, MaxRetry: cfg.Queue.MaxRetry}
		inspector = asynq.NewInspector(redisOpt)
		defer func() { _ = inspector.Close() }()
		if err := queue.RegisterMetrics(nil); err != nil {
			logger.Warn().Err(err).Msg("register queue metrics")
		}
	}

	pricingHandler := pricesync.NewHandler(pricesync.HandlerConfig{
		Syncer:   syncer,
		Enqueuer: enqueuer,
		Logger:   obs.Component(logger, "pricesync"),
	})

	inventoryService, err := inventory.NewService(inventory.Config{
		Store:    deps.Products,
		Catalog:  deps.Catalog,
		AuditLog: &inventory.AuditLog{Path: cfg.Inventory.LogPath},
		Email:    deps.AlertSender(),
		AlertTo:  cfg.Alerts.To,
		Metrics:  deps.Metrics,
		Logger:   obs.Component(logger, "inventory"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise inventory service")
	}
	inventoryHandler := inventory.NewHandler(inventoryService, obs.Component(logger, "inventory"))

	var httpMetrics *obs.HTTPMetrics
	if cfg.Obs.MetricsEnabled {
		buckets := parseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(app.MetricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if cfg.Obs.TracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{EnableHSTS: envBool("SECURE_ENABLE_HSTS", false)}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		MaxAge:         300,
	}))

	if cfg.Obs.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{Probes: []health.Probe{
		{Name: "db", Timeout: envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500), Check: deps.DB.Ping},
		{Name: "localline", Optional: true, Check: breakerProbe(deps.Breaker)},
	}}
	if deps.Redis != nil {
		healthHandler.Probes = append(healthHandler.Probes, health.Probe{
			Name:    "redis",
			Timeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
			Check:   func(ctx context.Context) error { return deps.Redis.Ping(ctx).Err() },
		})
	}
	r.Get("/healthz", healthHandler.Live)
	r.Get("/readyz", healthHandler.Ready)

	rate := ratelimit.Handler{}
	if deps.Redis != nil {
		store, err := app.NewLimiterStore(deps.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("initialise rate limiter store")
		}
		if rate, err = ratelimit.New(store, cfg.APIRateLimit); err != nil {
			logger.Fatal().Err(err).Str("rate", cfg.APIRateLimit).Msg("parse API_RATE_LIMIT")
		}
		rate.OnError = func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") }
	}
	idem := common.NewIdem(deps.Redis, 10*time.Minute)
	requireToken := security.RequireToken(cfg.APIToken)
	if cfg.APIToken == "" {
		logger.Warn().Msg("API_TOKEN not set, write routes are unauthenticated")
	}

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(rate.Middleware)
		v.Use(security.BodyLimit{Max: cfg.MaxBodyBytes}.Middleware)
		v.Get("/products/{id}/pricing", pricingHandler.Pricing)

		v.Group(func(w chi.Router) {
			w.Use(requireToken)
			w.Use(idem.Middleware)
			inventoryHandler.Routes(w)
			w.Post("/pricelists/sync", pricingHandler.Sync)
		})

		if inspector != nil {
			admin := &queue.AdminHandler{Inspector: inspector, Logger: obs.Component(logger, "queue-admin")}
			v.Route("/admin", func(a chi.Router) {
				a.Use(requireToken)
				admin.Routes(a)
			})
		}
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-shutdownCtx.Done()
		health.SetReady(false)
		logger.Info().Msg("server shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func breakerProbe(b *resilience.Breaker) func(context.Context) error {
	return func(context.Context) error { return b.Snapshot().Err() }
}

func parseBucketsCSV(raw string) []float64 {
	var out []float64
	for _, part := range strings.Split(raw, ",") {
		if v, err := strconv.ParseFloat(strings.TrimSpace(part), 64); err == nil && v > 0 {
			out = append(out, v)
		}
	}
	return out
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

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
