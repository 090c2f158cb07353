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

	"inventory-service/config"
	"inventory-service/internal/api"
	"inventory-service/internal/broker"
	"inventory-service/internal/redisclient"
	"inventory-service/internal/service"
	"inventory-service/internal/store"
	"inventory-service/internal/util"
	"inventory-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := util.InitLogger("inventory-service", cfg.Server.Env)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger.Info("Starting inventory service")

	tp, err := util.InitTracer("inventory-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL, cfg.Database.LockTimeout)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	// Redis is an accelerator only; the service runs without it
	var (
		cache       service.LevelCache
		idempotency service.IdempotencyStore
		locker      worker.Locker
		redisClient *redisclient.Client
	)
	if cfg.Redis.Enabled {
		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, redisclient.TTLs{
			Level:       cfg.Redis.LevelTTL,
			Idempotency: cfg.Redis.IdempotencyTTL,
		})
		if err != nil {
			logger.Warn("Redis unavailable, continuing without cache, idempotency keys or reconciler lock", zap.Error(err))
		} else {
			defer redisClient.Close()
			cache, idempotency, locker = redisClient, redisClient, redisClient
			logger.Info("Redis connected")
		}
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicStockEvents)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicStockEvents))

	ledger := service.NewStockLedger(db, broker.NewOutboxPublisher(), cache, service.LevelDefaults{
		MinimumThreshold: cfg.Inventory.DefaultMinimumThreshold,
		MaximumCapacity:  cfg.Inventory.DefaultMaximumCapacity,
	}, logger.Named("ledger"))
	reservations := service.NewReservationManager(db, ledger, idempotency, logger.Named("reservations"))
	warehouses := service.NewWarehouseRegistry(db, logger.Named("warehouses"))

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	reconciler := worker.NewReconciler(db, reservations, locker,
		cfg.Reconciler.Interval, cfg.Reconciler.BatchSize, logger.Named("reconciler"))
	if err := reconciler.Start(workerCtx); err != nil {
		logger.Fatal("Failed to start reconciler", zap.Error(err))
	}

	relay := worker.NewOutboxRelay(db, producer, cfg.Outbox.Interval, cfg.Outbox.BatchSize, logger.Named("outbox"))
	if err := relay.Start(workerCtx); err != nil {
		logger.Fatal("Failed to start outbox relay", zap.Error(err))
	}

	var orderWorker *worker.OrderWorker
	if cfg.Kafka.OrderEventsEnabled {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
		orderWorker = worker.NewOrderWorker(consumer, db, reservations, logger.Named("order-events"))
		go func() {
			if err := orderWorker.Start(workerCtx); err != nil {
				logger.Error("Order worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(ledger, reservations, warehouses, logger.Named("http"))
	handler.AddReadinessCheck("database", db)
	if cache != nil {
		handler.AddReadinessCheck("redis", redisClient)
	}
	handler.SetupRoutes(router, api.NewRateLimiter(cfg.RateLimiter.RPS, cfg.RateLimiter.Burst, logger.Named("ratelimit")))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	reconciler.Stop()
	relay.Stop()
	workerCancel()
	if orderWorker != nil {
		if err := orderWorker.Stop(); err != nil {
			logger.Warn("Error stopping order worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
