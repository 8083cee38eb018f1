package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	http_handler "fleetsync.live/internal/adapters/handler/http"
	"fleetsync.live/internal/adapters/handler/mqtt"
	"fleetsync.live/internal/adapters/optimizer"
	"fleetsync.live/internal/adapters/queue/memory"
	redis_adapter "fleetsync.live/internal/adapters/queue/redis"
	"fleetsync.live/internal/adapters/repository/sqlstore"
	"fleetsync.live/internal/config"
	"fleetsync.live/internal/core/logger"
	"fleetsync.live/internal/core/ports"
	"fleetsync.live/internal/core/services"
	"fleetsync.live/internal/core/tracing"
	"github.com/redis/go-redis/v9"
)

const version = "0.1.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Initialize structured logger
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Starting fleet store", "version", version)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Initialize tracing
	if cfg.EnableTracing {
		shutdownTracing, err := tracing.Init(cfg.ServiceName, cfg.OTLPEndpoint, cfg.TraceRatio)
		if err != nil {
			logger.Error("Failed to initialize tracing", "error", err)
		} else {
			logger.Info("Tracing initialized", "endpoint", cfg.OTLPEndpoint)
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					logger.Error("Failed to shutdown tracing", "error", err)
				}
			}()
		}
	}

	// Initialize adapters
	var repo *sqlstore.Repository
	if path, ok := strings.CutPrefix(cfg.DatabaseURL, "sqlite:"); ok {
		repo, err = sqlstore.OpenSQLite(path)
	} else {
		repo, err = sqlstore.OpenPostgres(cfg.DatabaseURL)
	}
	if err != nil {
		log.Fatalf("failed to open store database: %v", err)
	}
	defer repo.Close()

	var (
		feed        ports.FeedPubSub
		redisClient *redis.Client
		dead        *redis_adapter.DeadLetterQueue
	)
	if cfg.RedisURL != "" {
		adapter, client, err := redis_adapter.NewFeedAdapter(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to init redis: %v", err)
		}
		feed, redisClient = adapter, client
		dead = redis_adapter.NewDeadLetterQueue(client, cfg.DeadLetterTTL)
		logger.Info("Feed relayed over redis")
	} else {
		feed = memory.NewBus()
		logger.Info("Feed kept in process")
	}

	// Initialize domain services
	store := services.NewFleetStore(repo, feed)
	if dead != nil {
		store.WithDeadLetters(dead)
	}
	if cfg.SeedCatalog {
		n, err := store.SeedCatalog(ctx, services.DefaultCatalog())
		if err != nil {
			log.Fatalf("failed to seed stop catalog: %v", err)
		}
		logger.Info("Stop catalog seeded", "added", n)
	}

	var opt ports.RouteOptimizer
	if cfg.OptimizerURL != "" {
		opt = optimizer.New(cfg.OptimizerURL)
	}
	dispatcher := services.NewDispatcher(store, store, opt, cfg.OptimizerTimeout)
	healthService := services.NewHealthService(repo.DB(), redisClient, version).
		WithRoster(repo, cfg.VisibilityThreshold)

	monitor := services.NewAgentMonitor(repo, cfg.VisibilityThreshold, cfg.MonitorInterval)
	go monitor.Start(ctx)

	if err := services.NewTripRollover(store, cfg.RolloverSchedule).Start(ctx); err != nil {
		log.Fatalf("failed to schedule trip rollover: %v", err)
	}

	hub := http_handler.NewHub(feed)
	go hub.Run(ctx)
	go hub.FeedConsumer(ctx)
	go hub.AlertConsumer(ctx, monitor.Alerts())

	if cfg.MQTTBroker != "" {
		publisher, err := mqtt.NewPublisher(feed, cfg.MQTTBroker, cfg.MQTTPrefix)
		if err != nil {
			logger.Error("Failed to init MQTT publisher", "error", err)
		} else {
			publisher.WithState(store).Start(ctx)
			logger.Info("MQTT publisher started", "broker", cfg.MQTTBroker)
		}
	}

	httpServer := http_handler.NewServer(store, dispatcher, healthService, hub, cfg.VisibilityThreshold).
		WithMetrics(cfg.EnableMetrics)
	if dead != nil {
		httpServer.WithDeadLetters(dead)
	}

	go func() {
		logger.Info("HTTP server starting", "port", cfg.HTTPPort)
		if err := httpServer.Run(":" + cfg.HTTPPort); err != nil {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")
}
