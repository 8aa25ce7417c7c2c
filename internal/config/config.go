package config

import (
	"fmt"
	"net/url"

	pkgconfig "github.com/Manoj-619/cartoo-new-sub001/pkg/config"
)

// Cart backends.
const (
	CartBackendRedis = "redis"
	CartBackendHTTP  = "http"
)

// Config holds all configuration for the payment reconciliation service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort int `env:"RECONCILIATION_HTTP_PORT" envDefault:"8006"`

	// Signing secrets shared with the payment processor. Both are required
	// and must differ.
	ClientSigningSecret  string `env:"CLIENT_SIGNING_SECRET,required,notEmpty"`
	WebhookSigningSecret string `env:"WEBHOOK_SIGNING_SECRET,required,notEmpty"`

	// Bearer tokens from the storefront and sibling services.
	JWTSecret string `env:"JWT_SECRET" envDefault:"dev-jwt-secret-change-me"`
	JWTIssuer string `env:"JWT_ISSUER"`

	// PostgreSQL
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"ecommerce"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"ecommerce_secret"`
	PostgresDB   string `env:"RECONCILIATION_DB_NAME" envDefault:"reconciliation_db"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	// Database pool
	DBMaxConns            int32 `env:"DB_MAX_CONNS" envDefault:"25"`
	DBMinConns            int32 `env:"DB_MIN_CONNS" envDefault:"5"`
	DBMaxConnLifetimeMins int   `env:"DB_MAX_CONN_LIFETIME_MINUTES" envDefault:"60"`
	DBMaxConnIdleTimeMins int   `env:"DB_MAX_CONN_IDLE_TIME_MINUTES" envDefault:"30"`

	// Redis
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Kafka
	KafkaBrokers         []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	ReconcileRetryGroup  string   `env:"RECONCILE_RETRY_GROUP_ID" envDefault:"payment-reconciliation-retry"`
	RetryDedupTTLMinutes int      `env:"RETRY_DEDUP_TTL_MINUTES" envDefault:"1440"`

	// Webhook delivery dedup
	WebhookDedupTTLMinutes int `env:"WEBHOOK_DEDUP_TTL_MINUTES" envDefault:"1440"`

	// Per-call fan-out bound for multi-order confirmations.
	ReconcileMaxParallel int `env:"RECONCILE_MAX_PARALLEL" envDefault:"8"`

	// Cart store. "redis" clears the shared cart store directly; "http"
	// calls the cart service.
	CartBackend    string `env:"CART_BACKEND" envDefault:"redis"`
	CartServiceURL string `env:"CART_SERVICE_URL" envDefault:"http://localhost:8002"`

	// Circuit breaker settings for cart service calls
	CBMaxRequests  uint32  `env:"CB_MAX_REQUESTS" envDefault:"1"`
	CBInterval     int     `env:"CB_INTERVAL_SECONDS" envDefault:"60"`
	CBTimeout      int     `env:"CB_TIMEOUT_SECONDS" envDefault:"30"`
	CBFailureRatio float64 `env:"CB_FAILURE_RATIO" envDefault:"0.5"`
	CBMinRequests  uint32  `env:"CB_MIN_REQUESTS" envDefault:"5"`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`

	// Pprof debug endpoints (IP allowlist in CIDR notation)
	PprofAllowedCIDRs []string `env:"PPROF_ALLOWED_CIDRS" envDefault:"10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,127.0.0.0/8,::1/128" envSeparator:","`

	// Origins allowed to call the client channel from a browser.
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:3000" envSeparator:","`

	// Per-IP throttle on client-channel confirmations. 0 disables it.
	VerifyRateLimitRPS   float64 `env:"VERIFY_RATE_LIMIT_RPS" envDefault:"5"`
	VerifyRateLimitBurst int     `env:"VERIFY_RATE_LIMIT_BURST" envDefault:"10"`

	// Slow query logging
	SlowQueryThresholdMs int `env:"LOG_SLOW_QUERY_MS" envDefault:"500"`
}

// Load reads configuration from environment variables. A missing signing
// secret is an error; the service must not start without both.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load reconciliation config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.ClientSigningSecret == c.WebhookSigningSecret {
		return fmt.Errorf("CLIENT_SIGNING_SECRET and WEBHOOK_SIGNING_SECRET must differ")
	}
	if c.PostgresHost == "" {
		return fmt.Errorf("POSTGRES_HOST is required")
	}
	if c.PostgresUser == "" {
		return fmt.Errorf("POSTGRES_USER is required")
	}
	if c.RedisHost == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.ReconcileMaxParallel < 1 {
		return fmt.Errorf("RECONCILE_MAX_PARALLEL must be at least 1, got %d", c.ReconcileMaxParallel)
	}
	if c.WebhookDedupTTLMinutes < 1 || c.RetryDedupTTLMinutes < 1 {
		return fmt.Errorf("dedup TTLs must be at least one minute")
	}
	if c.VerifyRateLimitRPS < 0 {
		return fmt.Errorf("VERIFY_RATE_LIMIT_RPS must not be negative, got %f", c.VerifyRateLimitRPS)
	}
	if c.VerifyRateLimitRPS > 0 && c.VerifyRateLimitBurst < 1 {
		return fmt.Errorf("VERIFY_RATE_LIMIT_BURST must be at least 1, got %d", c.VerifyRateLimitBurst)
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.OTELSampleRate)
	}

	switch c.CartBackend {
	case CartBackendRedis:
	case CartBackendHTTP:
		if c.CartServiceURL == "" {
			return fmt.Errorf("CART_SERVICE_URL is required when CART_BACKEND=http")
		}
		if _, err := url.ParseRequestURI(c.CartServiceURL); err != nil {
			return fmt.Errorf("invalid CART_SERVICE_URL %q: %w", c.CartServiceURL, err)
		}
	default:
		return fmt.Errorf("CART_BACKEND must be %q or %q, got %q", CartBackendRedis, CartBackendHTTP, c.CartBackend)
	}
	return nil
}
