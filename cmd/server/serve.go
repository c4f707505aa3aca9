package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkout-service/config"
	"checkout-service/internal/api"
	"checkout-service/internal/audit"
	"checkout-service/internal/broker"
	"checkout-service/internal/gateway"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const serviceName = "checkout-service"

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the audit worker",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := util.InitLogger(cfg.Server.Env, serviceName); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout service",
		zap.String("env", cfg.Server.Env),
		zap.String("merchant_id", cfg.Gateway.MerchantID),
		zap.String("query_url", cfg.Gateway.QueryURL),
		zap.String("notify_url", cfg.Gateway.NotifyURL))

	tp, err := util.InitTracer(serviceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	logger.Info("Database connected")

	checks := []api.ReadinessCheck{{Name: "database", Check: db.Ping}}

	var (
		locker      service.Locker = service.NewLocalLocker(cfg.Reconcile.LockWait)
		idempotency service.IdempotencyStore
	)
	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()
		logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))

		locker = service.NewRedisLocker(redisClient, cfg.Reconcile.LockTTL, cfg.Reconcile.LockWait)
		idempotency = redisClient
		checks = append(checks, api.ReadinessCheck{Name: "redis", Check: redisClient.Ping})
	} else {
		logger.Warn("Redis disabled, using in-process reconcile locks and no checkout idempotency")
	}

	journal, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		return fmt.Errorf("failed to open audit journal: %w", err)
	}
	defer journal.Close()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var (
		publisher   service.EventPublisher
		auditWorker *worker.AuditWorker
	)
	if cfg.Kafka.Enabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
		defer producer.Close()
		publisher = broker.NewEventPublisher(producer)
		logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))

		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
		auditWorker = worker.NewAuditWorker(consumer, journal)
		go func() {
			if err := auditWorker.Start(workerCtx); err != nil {
				logger.Error("Audit worker error", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("Kafka disabled, lifecycle events are not published")
	}

	gw := gateway.NewClient(&cfg.Gateway)
	engine := service.NewReconciliationEngine(service.EngineDeps{
		Orders:         db,
		Carts:          db,
		Gateway:        gw,
		Locker:         locker,
		Publisher:      publisher,
		Idempotency:    idempotency,
		IdempotencyTTL: cfg.Reconcile.IdempotencyTTL,
		PendingTTL:     cfg.Reconcile.PendingTTL,
	})

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(engine, db, journal, checks...)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("failed to start server: %w", err)
	}

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if auditWorker != nil {
		if err := auditWorker.Stop(); err != nil {
			logger.Warn("Error stopping audit worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
	return nil
}
