package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/killdeer/ffcsa-ops/internal/pricing"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string `validate:"required"`
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	APIRateLimit       string
	// APIToken guards write and admin routes; empty disables the check.
	APIToken     string
	MaxBodyBytes int64 `validate:"gte=0"`

	Pricing   PricingSettings
	LocalLine LocalLineSettings
	Sync      SyncSettings
	Queue     QueueSettings
	Inventory InventorySettings
	Alerts    AlertSettings
	ExportDir string
	Obs       ObsSettings
}

// PricingSettings are the process-wide pricing ratios.
type PricingSettings struct {
	WholesaleDiscount     float64 `validate:"gte=0"`
	PurchaseDiscount      float64 `validate:"gte=0"`
	MemberMarkup          float64 `validate:"gt=-1"`
	GuestMarkup           float64 `validate:"gt=-1"`
	DairyMarkup           float64 `validate:"gt=-1"`
	DairyPurchaseDiscount *float64
	DairyCategoryIDs      []int64 `validate:"dive,gt=0"`
}

// LocalLineSettings configure the catalog API client.
type LocalLineSettings struct {
	BaseURL          string `validate:"omitempty,url"`
	Username         string
	Password         string
	Origin           string
	PriceLists       []pricing.PriceList
	DairyPriceLists  []pricing.PriceList
	RatePerSecond    int64 `validate:"gte=0"`
	Timeout          time.Duration
	RetryMax         int `validate:"gte=0"`
	RetryBase        time.Duration
	TokenSkew        time.Duration
	TokenFallbackTTL time.Duration
}

// SyncSettings control the batch price sync.
type SyncSettings struct {
	Concurrency int `validate:"gte=1"`
	DryRun      bool
	LockTTL     time.Duration
}

// QueueSettings configure the background worker.
type QueueSettings struct {
	Concurrency int `validate:"gte=1"`
	MaxRetry    int `validate:"gte=0"`
}

// InventorySettings configure inventory updates.
type InventorySettings struct {
	LogPath string
}

// AlertSettings configure alert emails. Alerts are disabled when SMTPAddr is empty.
type AlertSettings struct {
	From         string `validate:"omitempty,email"`
	To           []string
	SMTPAddr     string
	SMTPUsername string
	SMTPPassword string
}

// ObsSettings configure logging, metrics and tracing.
type ObsSettings struct {
	ServiceName    string
	LogFormat      string
	LogLevel       string
	MetricsEnabled bool
	TracingEnabled bool
	OTLPEndpoint   string
	OTLPInsecure   bool
	SampleRatio    float64 `validate:"gte=0,lte=1"`
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv != "" {
		_ = godotenv.Load(".env." + appEnv)
	}
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	ratios, err := loadPricing(k)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		APIRateLimit:       valueOrDefault(k.String("API_RATE_LIMIT"), "60-M"),
		APIToken:           strings.TrimSpace(k.String("API_TOKEN")),
		MaxBodyBytes:       int64(parseInt(k.String("API_MAX_BODY_BYTES"), 1<<20)),
		Pricing:            ratios,
		LocalLine: LocalLineSettings{
			BaseURL:          ensureTrailingSlash(valueOrDefault(k.String("LL_BASE_URL"), "https://localline.ca/api/backoffice/v2/")),
			Username:         k.String("LL_USERNAME"),
			Password:         k.String("LL_PASSWORD"),
			Origin:           strings.TrimSpace(k.String("LL_ORIGIN")),
			RatePerSecond:    int64(parseInt(k.String("LL_RATE_PER_SECOND"), 5)),
			Timeout:          parseDuration(k.String("LL_TIMEOUT"), "15s"),
			RetryMax:         parseInt(k.String("LL_RETRY_MAX"), 3),
			RetryBase:        parseDuration(k.String("LL_RETRY_BASE"), "200ms"),
			TokenSkew:        time.Duration(parseInt(k.String("TOKEN_SKEW_SEC"), 60)) * time.Second,
			TokenFallbackTTL: parseDuration(k.String("TOKEN_FALLBACK_TTL"), "600s"),
		},
		Sync: SyncSettings{
			Concurrency: parseInt(k.String("SYNC_CONCURRENCY"), 4),
			DryRun:      parseBool(k.String("SYNC_DRY_RUN")),
			LockTTL:     parseDuration(k.String("SYNC_LOCK_TTL"), "30m"),
		},
		Queue: QueueSettings{
			Concurrency: parseInt(k.String("QUEUE_CONCURRENCY"), 5),
			MaxRetry:    parseInt(k.String("QUEUE_MAX_RETRY"), 3),
		},
		Inventory: InventorySettings{
			LogPath: valueOrDefault(k.String("INVENTORY_LOG_PATH"), "logs/inventory_updates.csv"),
		},
		Alerts: AlertSettings{
			From:         strings.TrimSpace(k.String("ALERT_EMAIL_FROM")),
			To:           splitAndTrim(k.String("ALERT_EMAIL_TO")),
			SMTPAddr:     strings.TrimSpace(k.String("SMTP_ADDR")),
			SMTPUsername: k.String("SMTP_USERNAME"),
			SMTPPassword: k.String("SMTP_PASSWORD"),
		},
		ExportDir: valueOrDefault(k.String("EXPORT_DIR"), "exports"),
		Obs: ObsSettings{
			ServiceName:    valueOrDefault(k.String("OBS_SERVICE_NAME"), "ffcsa-ops"),
			LogFormat:      valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
			LogLevel:       valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			MetricsEnabled: parseBoolDefault(k.String("OBS_METRICS_ENABLED"), true),
			TracingEnabled: parseBool(k.String("OBS_TRACING_ENABLED")),
			OTLPEndpoint:   strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
			OTLPInsecure:   parseBool(k.String("OBS_OTLP_INSECURE")),
			SampleRatio:    parseFloatDefault(k.String("OBS_TRACE_SAMPLE_RATIO"), 1),
		},
	}

	markups := map[string]float64{
		"MEMBER_MARKUP": ratios.MemberMarkup,
		"GUEST_MARKUP":  ratios.GuestMarkup,
		"DAIRY_MARKUP":  ratios.DairyMarkup,
	}
	if cfg.LocalLine.PriceLists, err = ParsePriceLists(k.String("LL_PRICE_LISTS"), markups); err != nil {
		return nil, fmt.Errorf("LL_PRICE_LISTS: %w", err)
	}
	if cfg.LocalLine.DairyPriceLists, err = ParsePriceLists(k.String("LL_DAIRY_PRICE_LISTS"), markups); err != nil {
		return nil, fmt.Errorf("LL_DAIRY_PRICE_LISTS: %w", err)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}

	return cfg, nil
}

// PricingConfig converts the loaded ratios into the engine configuration.
func (c *Config) PricingConfig() pricing.Config {
	return pricing.Config{
		WholesaleDiscount:     c.Pricing.WholesaleDiscount,
		PurchaseDiscount:      c.Pricing.PurchaseDiscount,
		MemberMarkup:          c.Pricing.MemberMarkup,
		GuestMarkup:           c.Pricing.GuestMarkup,
		DairyMarkup:           c.Pricing.DairyMarkup,
		DairyPurchaseDiscount: c.Pricing.DairyPurchaseDiscount,
		DairyCategoryIDs:      c.Pricing.DairyCategoryIDs,
	}
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func loadPricing(k *koanf.Koanf) (PricingSettings, error) {
	var (
		out  PricingSettings
		errs []error
	)
	ratio := func(key string, fallback float64) float64 {
		raw := strings.TrimSpace(k.String(key))
		if raw == "" {
			return fallback
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || !finite(v) {
			errs = append(errs, &pricing.ValidationError{Err: pricing.ErrConfiguration, Field: key, Value: raw})
			return fallback
		}
		return v
	}
	out.WholesaleDiscount = ratio("PRICING_WHOLESALE_DISCOUNT", 0.65)
	out.PurchaseDiscount = ratio("PRICING_PURCHASE_DISCOUNT", 0.5412)
	out.MemberMarkup = ratio("PRICING_MEMBER_MARKUP", 0.6574)
	out.GuestMarkup = ratio("PRICING_GUEST_MARKUP", 0.8496)
	out.DairyMarkup = ratio("PRICING_DAIRY_MARKUP", 0.6)
	if strings.TrimSpace(k.String("PRICING_DAIRY_PURCHASE_DISCOUNT")) != "" {
		v := ratio("PRICING_DAIRY_PURCHASE_DISCOUNT", out.PurchaseDiscount)
		out.DairyPurchaseDiscount = &v
	}

	for _, raw := range splitAndTrim(k.String("PRICING_DAIRY_CATEGORY_IDS")) {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			errs = append(errs, &pricing.ValidationError{Err: pricing.ErrConfiguration, Field: "PRICING_DAIRY_CATEGORY_IDS", Value: raw})
			continue
		}
		out.DairyCategoryIDs = append(out.DairyCategoryIDs, id)
	}
	if len(out.DairyCategoryIDs) == 0 {
		out.DairyCategoryIDs = []int64{pricing.DairyCategoryID}
	}
	return out, errors.Join(errs...)
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func ensureTrailingSlash(v string) string {
	if strings.HasSuffix(v, "/") {
		return v
	}
	return v + "/"
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return v
}

func parseFloatDefault(value string, fallback float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || !finite(v) {
		return fallback
	}
	return v
}

func parseBool(value string) bool {
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
