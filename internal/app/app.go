package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/Manoj-619/cartoo-new-sub001/internal/config"
	"github.com/Manoj-619/cartoo-new-sub001/internal/event"
	handler "github.com/Manoj-619/cartoo-new-sub001/internal/handler/http"
	"github.com/Manoj-619/cartoo-new-sub001/internal/repository"
	"github.com/Manoj-619/cartoo-new-sub001/internal/repository/cartapi"
	"github.com/Manoj-619/cartoo-new-sub001/internal/repository/postgres"
	redisrepo "github.com/Manoj-619/cartoo-new-sub001/internal/repository/redis"
	"github.com/Manoj-619/cartoo-new-sub001/internal/service"
	"github.com/Manoj-619/cartoo-new-sub001/internal/signature"
	"github.com/Manoj-619/cartoo-new-sub001/internal/webhook"
	"github.com/Manoj-619/cartoo-new-sub001/migrations"
	"github.com/Manoj-619/cartoo-new-sub001/pkg/database"
	"github.com/Manoj-619/cartoo-new-sub001/pkg/health"
	"github.com/Manoj-619/cartoo-new-sub001/pkg/httpclient"
	pkgkafka "github.com/Manoj-619/cartoo-new-sub001/pkg/kafka"
	"github.com/Manoj-619/cartoo-new-sub001/pkg/middleware"
	"github.com/Manoj-619/cartoo-new-sub001/pkg/tracing"
)

// ServiceName identifies the service in logs, metrics and traces.
const ServiceName = "payment-reconciliation"

// App wires together all dependencies and runs the reconciliation service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	rdb            *redis.Client
	producer       *pkgkafka.Producer
	dlq            *pkgkafka.DLQProducer
	retryConsumer  *pkgkafka.Consumer
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
// It fails before any listener is opened if the signing secrets are unusable.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	auth, err := signature.NewAuthenticator(cfg.ClientSigningSecret, cfg.WebhookSigningSecret)
	if err != nil {
		return nil, fmt.Errorf("init signature authenticator: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    ServiceName,
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// Initialize PostgreSQL connection pool.
	pgCfg := database.PostgresConfig{
		Host:            cfg.PostgresHost,
		Port:            cfg.PostgresPort,
		User:            cfg.PostgresUser,
		Password:        cfg.PostgresPass,
		DBName:          cfg.PostgresDB,
		SSLMode:         cfg.PostgresSSL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: time.Duration(cfg.DBMaxConnLifetimeMins) * time.Minute,
		MaxConnIdleTime: time.Duration(cfg.DBMaxConnIdleTimeMins) * time.Minute,
	}

	pool, err := database.NewPostgresPool(ctx, &pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	if err := database.RegisterPoolMetrics(prometheus.DefaultRegisterer, pool, ServiceName); err != nil {
		logger.Warn("pool metrics not registered", slog.String("error", err.Error()))
	}

	// Run database migrations.
	if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed")

	// Configure slow query logging.
	if cfg.SlowQueryThresholdMs > 0 {
		database.SetSlowQueryLogging(time.Duration(cfg.SlowQueryThresholdMs)*time.Millisecond, logger)
	}

	// Initialize Redis client.
	rdb, err := database.NewRedisClient(ctx, database.RedisConfig{
		Host:         cfg.RedisHost,
		Port:         cfg.RedisPort,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("connected to Redis",
		slog.String("host", cfg.RedisHost),
		slog.Int("db", cfg.RedisDB),
	)

	// Initialize Kafka producers.
	producer := pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
	dlq := pkgkafka.NewDLQProducer(cfg.KafkaBrokers, logger)
	logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))

	// Build the dependency graph.
	orderRepo := postgres.NewOrderRepository(pool)
	cartRepo := newCartRepository(cfg, rdb, logger)
	eventProducer := event.NewProducer(producer, logger)

	cartService := service.NewCartClearingService(cartRepo, orderRepo, logger)
	groupService := service.NewGroupService(orderRepo, logger)
	coordinator := service.NewCoordinator(orderRepo, cartService, auth, eventProducer, cfg.ReconcileMaxParallel, logger)

	deliveries := redisrepo.NewIdempotencyStore(rdb, "reconciliation:webhook:", time.Duration(cfg.WebhookDedupTTLMinutes)*time.Minute)
	webhookRouter := webhook.NewRouter(auth, coordinator, deliveries, logger)

	// Retry consumer re-applies steps that failed on a transient store error.
	retryStore := redisrepo.NewIdempotencyStore(rdb, "reconciliation:retry:", time.Duration(cfg.RetryDedupTTLMinutes)*time.Minute)
	retryConsumer := event.NewRetryConsumer(
		event.RetryConsumerConfig(cfg.KafkaBrokers, cfg.ReconcileRetryGroup),
		event.NewRetryHandler(coordinator, logger),
		retryStore,
		dlq,
		logger,
	)

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthHandler.RegisterCritical("redis", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	healthHandler.RegisterNonCritical("kafka", func(ctx context.Context) error {
		return producer.Ping(ctx)
	})

	// HTTP router.
	router := handler.NewRouter(
		handler.NewPaymentHandler(coordinator, webhookRouter, logger),
		handler.NewGroupHandler(groupService, logger),
		healthHandler,
		handler.RouterConfig{
			ServiceName:       ServiceName,
			CORS:              middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins},
			PprofAllowedCIDRs: cfg.PprofAllowedCIDRs,
			Tokens:            middleware.NewJWTValidator([]byte(cfg.JWTSecret), cfg.JWTIssuer),
			Metrics:           middleware.NewHTTPMetrics(prometheus.DefaultRegisterer, ServiceName),
			VerifyRPS:         cfg.VerifyRateLimitRPS,
			VerifyBurst:       cfg.VerifyRateLimitBurst,
		},
		logger,
	)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		pool:           pool,
		rdb:            rdb,
		producer:       producer,
		dlq:            dlq,
		retryConsumer:  retryConsumer,
		httpServer:     httpServer,
		tracerShutdown: tracerShutdown,
	}, nil
}

// newCartRepository selects the cart backend.
func newCartRepository(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) repository.CartRepository {
	if cfg.CartBackend != config.CartBackendHTTP {
		return redisrepo.NewCartRepository(rdb)
	}

	baseClient := httpclient.New(httpclient.DefaultConfig())
	cbCfg := httpclient.CircuitBreakerConfig{
		Name:         "cart-service",
		MaxRequests:  cfg.CBMaxRequests,
		Interval:     time.Duration(cfg.CBInterval) * time.Second,
		Timeout:      time.Duration(cfg.CBTimeout) * time.Second,
		FailureRatio: cfg.CBFailureRatio,
		MinRequests:  cfg.CBMinRequests,
	}
	cbClient := httpclient.NewCircuitBreakerClient(baseClient, cbCfg, logger)
	logger.Info("circuit breaker initialized",
		slog.String("name", cbCfg.Name),
		slog.Uint64("max_requests", uint64(cbCfg.MaxRequests)),
		slog.Int("timeout_seconds", cfg.CBTimeout),
		slog.Uint64("min_requests", uint64(cbCfg.MinRequests)),
	)
	return cartapi.NewClient(cbClient, cfg.CartServiceURL)
}

// Run starts the HTTP server and the retry consumer, then blocks until the
// context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	// Start HTTP server.
	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Start Kafka retry consumer.
	go func() {
		if err := a.retryConsumer.Start(ctx); err != nil {
			errCh <- fmt.Errorf("reconcile retry consumer: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		return errors.Join(err, a.Shutdown())
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components in the correct order:
// 1. HTTP server (drain in-flight requests)
// 2. Tracer (flush pending spans from drained requests)
// 3. Kafka retry consumer
// 4. Kafka producers
// 5. Redis client
// 6. PostgreSQL pool
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	// 1. Drain in-flight HTTP requests (5s budget).
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 2. Flush pending spans after HTTP drain so in-flight request spans are captured.
	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 3. Stop consuming retries before closing the producers they feed.
	if err := a.retryConsumer.Close(); err != nil {
		a.logger.Error("retry consumer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 4. Close Kafka producers.
	if err := a.producer.Close(); err != nil {
		a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	if err := a.dlq.Close(); err != nil {
		a.logger.Error("kafka dlq producer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 5. Close Redis client.
	if err := a.rdb.Close(); err != nil {
		a.logger.Error("redis close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 6. Close PostgreSQL pool.
	a.pool.Close()

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}
