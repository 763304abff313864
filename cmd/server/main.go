package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ticket-service/config"
	"ticket-service/internal/api"
	"ticket-service/internal/broker"
	"ticket-service/internal/redisclient"
	"ticket-service/internal/service"
	"ticket-service/internal/store"
	"ticket-service/internal/util"
	"ticket-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting ticket service", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer(cfg.Observ.JaegerEndpoint)
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

	db, err := store.NewStore(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns,
		store.WithTxRetries(cfg.Database.TxMaxRetries))
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = db.Migrate(migrateCtx)
	migrateCancel()
	if err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Database connected")

	checks := []api.ReadinessCheck{{Name: "postgres", Check: db.Ping}}

	// Redis only coordinates sweeps across replicas and dedupes refunds, so the service
	// still starts without it.
	var (
		locker worker.Locker
		dedupe worker.EventDeduper
	)
	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Warn("Redis unavailable, running without sweep lock and refund dedupe", zap.Error(err))
	} else {
		defer redisClient.Close()
		locker, dedupe = redisClient, redisClient
		checks = append(checks, api.ReadinessCheck{Name: "redis", Check: redisClient.Ping})
		logger.Info("Redis connected")
	}

	notifications := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
	defer notifications.Close()
	refunds := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicRefunds)
	defer refunds.Close()
	eventPublisher := broker.NewEventPublisher(notifications, refunds)

	orderService := service.NewOrderService(db, service.WithReservationTTL(cfg.Reservation.TTL))
	catalogService := service.NewCatalogService(db)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var wg sync.WaitGroup

	sweeper := worker.NewExpirationSweeper(orderService, locker, worker.SweeperConfig{
		Interval:  cfg.Reservation.SweepInterval,
		BatchSize: cfg.Reservation.SweepBatchSize,
		LockTTL:   cfg.Reservation.SweepLockTTL,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Start(workerCtx)
	}()

	relay := worker.NewOutboxRelay(db, eventPublisher, cfg.Reservation.OutboxPollInterval, cfg.Reservation.OutboxBatchSize)
	wg.Add(1)
	go func() {
		defer wg.Done()
		relay.Start(workerCtx)
	}()

	paymentConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments, cfg.Kafka.ConsumerGroup)
	paymentWorker := worker.NewPaymentWorker(paymentConsumer, orderService, eventPublisher, dedupe)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := paymentWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Payment worker stopped", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, catalogService, checks...)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	if port := cfg.Observ.PrometheusPort; port != "" && port != cfg.Server.Port {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server stopped", zap.Error(err))
			}
		}()
		defer metricsSrv.Close()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := paymentWorker.Stop(); err != nil {
		logger.Warn("Error closing payment consumer", zap.Error(err))
	}
	wg.Wait()

	logger.Info("Server exited")
}
