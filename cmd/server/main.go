package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rhythm-ranking/internal/config"
	"github.com/rhythm-ranking/internal/handler"
	"github.com/rhythm-ranking/internal/kafka"
	"github.com/rhythm-ranking/internal/ledger"
	"github.com/rhythm-ranking/internal/postgres"
	"github.com/rhythm-ranking/internal/ranking"
	"github.com/rhythm-ranking/internal/redis"
	"github.com/rhythm-ranking/internal/service"
	"github.com/rhythm-ranking/internal/validator"
	"github.com/rhythm-ranking/internal/websocket"
	"github.com/rhythm-ranking/internal/worker"
)

// redisPinger adapts the Redis client to the readiness check
type redisPinger struct {
	client *goredis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
		cfg.Security.APIKey = os.Getenv("RANKING_API_KEY")
		slog.Warn("failed to load config file, using defaults", "error", err)
	}

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	redisClient, err := redis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// Initialize PostgreSQL
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	ledgerRepo, err := postgres.NewLedgerRepository(ctx, &cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer ledgerRepo.Close()

	if err := ledgerRepo.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Ranking pipeline
	charts := redis.NewChartStore(redisClient, logger)
	pending := redis.NewPendingQueue(redisClient, logger)
	rankingService := service.NewRankingService(
		validator.New(validator.ConfigFrom(&cfg.Validation)),
		ledger.NewWriter(ledgerRepo, ledger.NewClock(), logger),
		ranking.NewMerger(charts, &cfg.Ranking, logger),
		charts,
		pending,
		&cfg.Ranking,
		logger,
	)

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(cfg.Security.AllowedOrigins, logger)
	wsHub.SetSnapshotter(charts)
	go wsHub.Run()
	rankingService.SetHub(wsHub)

	// Retry merges that failed after the ledger append
	retryWorker := worker.NewRetryWorker(pending, rankingService, &cfg.Retry, logger)
	if cfg.Retry.Enabled {
		if err := retryWorker.Start(ctx); err != nil {
			logger.Error("failed to start retry worker", "error", err)
			os.Exit(1)
		}
	}

	// Optional queued ingestion
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, rankingService, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else if err := startConsumer(ctx, kafkaConsumer); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
			kafkaConsumer.Stop()
			kafkaConsumer = nil
		}
	}

	var limiter handler.Limiter
	if cfg.RateLimit.Enabled {
		limiter = redis.NewRateLimiter(redisClient, &cfg.RateLimit)
	}

	httpHandler := handler.NewHandler(
		rankingService,
		wsHub,
		limiter,
		map[string]handler.Pinger{
			"redis":    redisPinger{client: redisClient},
			"postgres": ledgerRepo,
		},
		&cfg.Security,
		&cfg.Server,
		logger,
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop intake first so in-flight submissions can finish
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	if err := retryWorker.Stop(); err != nil {
		logger.Error("failed to stop retry worker", "error", err)
	}

	wsHub.Stop()

	logger.Info("server stopped")
}

func startConsumer(ctx context.Context, c *kafka.Consumer) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return c.Start(ctx)
}
