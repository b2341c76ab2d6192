package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/killdeer/ffcsa-ops/internal/common"
	"github.com/killdeer/ffcsa-ops/internal/config"
	"github.com/killdeer/ffcsa-ops/internal/localline"
	"github.com/killdeer/ffcsa-ops/internal/lock"
	"github.com/killdeer/ffcsa-ops/internal/obs"
	"github.com/killdeer/ffcsa-ops/internal/pricesync"
	"github.com/killdeer/ffcsa-ops/internal/pricing"
	"github.com/killdeer/ffcsa-ops/internal/repo"
	"github.com/killdeer/ffcsa-ops/internal/resilience"
)

// MetricsNamespace prefixes every Prometheus collector registered by the binaries.
const MetricsNamespace = "ffcsa"

// Dependencies are the shared services every binary builds from Config.
type Dependencies struct {
	Config   *config.Config
	Logger   zerolog.Logger
	DB       *pgxpool.Pool
	Redis    *redis.Client
	Products repo.Products
	Engine   *pricing.Engine
	Breaker  *resilience.Breaker
	Catalog  *localline.Client
	Metrics  *obs.SyncMetrics
	Locker   lock.Locker

	closers []func()
}

// Options tune what New connects to.
type Options struct {
	// AppName is reported to Postgres as application_name.
	AppName string
	// Registerer receives the database and sync collectors. Defaults to the
	// global registry.
	Registerer prometheus.Registerer
	// SkipRedis leaves Redis unconfigured; locks, token caching and the shared
	// throttle fall back to process-local behaviour.
	SkipRedis bool
}

// New connects to Postgres and Redis and builds the pricing engine and
// LocalLine client. Call Close when done.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*Dependencies, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	d := &Dependencies{Config: cfg, Logger: logger}

	engine, err := NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	d.Engine = engine

	pool, err := NewPool(ctx, cfg.DatabaseURL, opts.AppName, reg)
	if err != nil {
		return nil, err
	}
	d.DB = pool
	d.Products = repo.Products{DB: pool}
	d.closers = append(d.closers, pool.Close)

	var store limiter.Store
	if !opts.SkipRedis && cfg.RedisURL != "" {
		rdb, err := NewRedis(ctx, cfg.RedisURL, cfg.Obs.MetricsEnabled, logger)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.Redis = rdb
		d.closers = append(d.closers, func() {
			if err := rdb.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		})
		d.Locker = lock.Locker{R: rdb, Prefix: "ffcsa:lock:"}
		if store, err = NewLimiterStore(rdb); err != nil {
			d.Close()
			return nil, fmt.Errorf("limiter store: %w", err)
		}
	}

	if err := resilience.RegisterMetrics(reg); err != nil {
		logger.Warn().Err(err).Msg("register resilience metrics")
	}
	d.Breaker = resilience.NewBreaker(5, 0.5, 30*time.Second).
		WithTarget("localline").
		WithLogger(obs.Component(logger, "breaker"))

	catalog, err := NewLocalLine(cfg, d.Redis, store, d.Breaker, logger)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Catalog = catalog
	d.Metrics = obs.MustRegisterSyncMetrics(MetricsNamespace, reg)
	return d, nil
}

// Close releases connections in reverse order of creation.
func (d *Dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// Syncer builds a price syncer over the shared dependencies with the
// configured sync options.
func (d *Dependencies) Syncer() (*pricesync.Syncer, error) {
	cfg := pricesync.Config{
		Store:           d.Products,
		Catalog:         d.Catalog,
		Engine:          d.Engine,
		PriceLists:      d.Config.LocalLine.PriceLists,
		DairyPriceLists: d.Config.LocalLine.DairyPriceLists,
		Metrics:         d.Metrics,
		Logger:          obs.Component(d.Logger, "pricesync"),
		Options: pricesync.Options{
			DryRun:      d.Config.Sync.DryRun,
			Concurrency: d.Config.Sync.Concurrency,
		},
	}
	if d.Redis != nil {
		cfg.Locker = d.Locker
	}
	return pricesync.New(cfg)
}

// AlertSender returns the SMTP sender for alert mail, or a no-op sender when
// SMTP is not configured.
func (d *Dependencies) AlertSender() common.EmailSender {
	a := d.Config.Alerts
	if a.SMTPAddr == "" || a.From == "" || len(a.To) == 0 {
		return common.NopEmailSender{}
	}
	return common.SMTPSender{Addr: a.SMTPAddr, Username: a.SMTPUsername, Password: a.SMTPPassword, From: a.From}
}

// NewEngine validates the pricing ratios.
func NewEngine(cfg *config.Config) (*pricing.Engine, error) {
	engine, err := pricing.NewEngine(cfg.PricingConfig())
	if err != nil {
		return nil, fmt.Errorf("pricing engine: %w", err)
	}
	return engine, nil
}

// NewPool opens a traced pgx pool and pings it.
func NewPool(ctx context.Context, databaseURL, appName string, reg prometheus.Registerer) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.NewPGXTracer(MetricsNamespace, reg)
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	if appName != "" {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = appName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewRedis connects to Redis with OpenTelemetry instrumentation.
func NewRedis(ctx context.Context, redisURL string, metricsEnabled bool, logger zerolog.Logger) (*redis.Client, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewLimiterStore wires a rate limiter store backed by Redis.
func NewLimiterStore(rdb *redis.Client) (limiter.Store, error) {
	return limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: "ffcsa:limiter"})
}

// NewLocalLine builds an authenticated catalog client. Tokens are cached in
// Redis when rdb is set so every process shares one login.
func NewLocalLine(cfg *config.Config, rdb *redis.Client, store limiter.Store, breaker *resilience.Breaker, logger zerolog.Logger) (*localline.Client, error) {
	ll := cfg.LocalLine
	logger = obs.Component(logger, "localline")
	client, err := localline.NewClient(localline.ClientConfig{
		BaseURL:   ll.BaseURL,
		Origin:    ll.Origin,
		Timeout:   ll.Timeout,
		RetryMax:  ll.RetryMax,
		RetryBase: ll.RetryBase,
		Breaker:   breaker,
		Throttle:  localline.NewThrottle(store, ll.RatePerSecond),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	tokenCfg := localline.TokenConfig{
		Login: func(ctx context.Context) (string, error) {
			if ll.Username == "" || ll.Password == "" {
				return "", errors.New("localline: LL_USERNAME and LL_PASSWORD are required")
			}
			return client.Login(ctx, ll.Username, ll.Password)
		},
		Skew:        ll.TokenSkew,
		FallbackTTL: ll.TokenFallbackTTL,
		Logger:      logger,
	}
	if rdb != nil {
		tokenCfg.Cache = localline.RedisTokenCache{R: rdb}
	}
	tokens, err := localline.NewTokenManager(tokenCfg)
	if err != nil {
		return nil, err
	}
	return client.WithTokens(tokens), nil
}

// InitTracing starts the OTLP exporter when enabled and returns its shutdown.
func InitTracing(ctx context.Context, cfg *config.Config, serviceName string, logger zerolog.Logger) func() {
	shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
		Enabled:       cfg.Obs.TracingEnabled,
		ServiceName:   serviceName,
		Endpoint:      cfg.Obs.OTLPEndpoint,
		Insecure:      cfg.Obs.OTLPInsecure,
		SamplingRatio: cfg.Obs.SampleRatio,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
		return func() {}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("shutdown tracer")
		}
	}
}
