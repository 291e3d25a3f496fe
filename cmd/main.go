/**
 * @description
 * This is the main entry point for the transaction-service. It is responsible for
 * initializing all components of the service, including configuration, logging, the
 * account store, Redis, the message broker, the transaction engine, the session
 * sweeper, and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - net/http: Standard Go library for the HTTP server.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Rate limiting and idempotency keys.
 * - go.uber.org/zap: Structured logging.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mopatas/transaction-service/internal/api"
	"github.com/mopatas/transaction-service/internal/app"
	"github.com/mopatas/transaction-service/internal/config"
	"github.com/mopatas/transaction-service/internal/store"
	rmrabbit "github.com/mopatas/transaction-service/pkg/rabbitmq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	logger, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"logger init failed\" err=%v", err)
	}
	defer logger.Sync()
	boot := logger.With(zap.String("component", "bootstrap"))
	boot.Info("starting transaction-service", zap.String("port", cfg.ServerPort), zap.String("store", cfg.StoreDriver))

	ctx := context.Background()

	// Initialize the data access layer (repository).
	var repository store.Repository
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		dbpool, err := openPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			boot.Fatal("database connection failed", zap.Error(err))
		}
		defer dbpool.Close()
		boot.Info("database connected")
		repository = store.NewPostgresRepository(dbpool)
	default:
		boot.Warn("using in-memory store; balances are lost on restart")
		repository = store.NewMemoryRepository()
	}

	operator, err := repository.EnsureOperatorAccount(ctx, cfg.OperatorAccountID, cfg.OperatorInitialBalance)
	if err != nil {
		boot.Fatal("operator account provisioning failed", zap.Error(err))
	}
	boot.Info("operator account ready", zap.String("account_id", operator.ID), zap.String("balance", operator.Balance.String()))

	redisClient := openRedis(ctx, cfg.RedisURL, boot)
	if redisClient != nil {
		defer redisClient.Close()
	}
	var rateLimiter app.RateLimiter = app.NewLocalRateLimiter()
	if redisClient != nil {
		rateLimiter = app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix+":rate_limit")
	}

	// Initialize the RabbitMQ producer to publish events.
	var publisher rmrabbit.Publisher = &rmrabbit.EventProducerFallback{Logger: logger}
	if cfg.RabbitMQURL == "" {
		boot.Warn("rabbitmq url missing; events will be dropped", zap.String("env", "RABBITMQ_URL"))
	} else if producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, logger); err != nil {
		boot.Warn("rabbitmq producer unavailable; using fallback", zap.Error(err))
	} else {
		breakerCfg := rmrabbit.DefaultBreakerConfig()
		breakerCfg.Name = "transaction-events"
		publisher = rmrabbit.NewBreakerPublisher(producer, breakerCfg, logger)
		boot.Info("rabbitmq producer connected")
	}
	defer publisher.Close()

	registry := app.NewSessionRegistry(repository, time.Duration(cfg.SessionTTLMinutes)*time.Minute, cfg.SessionCodeLength, logger)
	fees := app.NewFeeSchedule(cfg.FeeBonusPercent, cfg.AmountScale, cfg.FeeScale)
	engine := app.NewEngine(repository, registry, fees, publisher, app.EngineConfig{EventExchange: cfg.EventExchange}, logger)

	sweeper := app.NewSessionSweeper(registry, publisher, cfg.EventExchange, cfg.SessionSweepSchedule, logger)
	if err := sweeper.Start(); err != nil {
		boot.Fatal("session sweeper start failed", zap.Error(err))
	}

	// Account registrations announced by the onboarding service.
	if cfg.RabbitMQURL != "" {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, logger)
		if err != nil {
			boot.Warn("rabbitmq consumer unavailable; account events ignored", zap.Error(err))
		} else {
			defer rabbitConsumer.Close()
			accountConsumer := app.NewAccountRegisteredConsumer(engine, logger)
			bindings := map[string]func([]byte) bool{
				app.RoutingKeyAccountRegistered: accountConsumer.HandleMessage,
			}
			if err := rabbitConsumer.ConsumeWithBindings(cfg.EventExchange, cfg.AccountEventQueue, bindings); err != nil {
				boot.Fatal("account consumer start failed", zap.Error(err))
			}
		}
	}

	// Initialize the API handlers and router.
	handlers := api.NewTransactionHandlers(engine, logger)
	routerCfg := api.RouterConfig{
		JWTSecret:             cfg.JWTSecret,
		InternalAPIKey:        cfg.InternalAPIKey,
		RedisPrefix:           cfg.RedisKeyPrefix,
		IdempotencyTTL:        time.Duration(cfg.IdempotencyTTLMinutes) * time.Minute,
		RateLimiter:           rateLimiter,
		ConfirmLimitPerMinute: cfg.ConfirmRateLimitPerMinute,
		Logger:                logger,
	}
	if redisClient != nil {
		routerCfg.Redis = redisClient
	}
	if cfg.JWTSecret == "" {
		boot.Warn("JWT_SECRET not set; requests are not authenticated")
	}

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           api.TransactionRoutes(handlers, routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("component", "http"), zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server stopped unexpectedly", zap.String("component", "http"), zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started", zap.String("component", "http"))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.String("component", "http"), zap.Error(err))
	}
	<-sweeper.Stop().Done()

	logger.Info("shutdown complete", zap.String("component", "http"))
}

func openPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("database url parse failed: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return pool, nil
}

// openRedis returns nil when Redis is not configured or unreachable; callers
// fall back to in-process rate limiting and skip idempotency keys.
func openRedis(ctx context.Context, redisURL string, logger *zap.Logger) *redis.Client {
	if redisURL == "" {
		logger.Warn("redis url missing; using in-process rate limiting", zap.String("env", "REDIS_URL"))
		return nil
	}
	redisOptions, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis url parse failed; using in-process rate limiting", zap.Error(err))
		return nil
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; using in-process rate limiting", zap.Error(err))
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}
