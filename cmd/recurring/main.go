package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"taskpulse/internal/httpserver"
	"taskpulse/internal/mqhandler"
	"taskpulse/internal/publisher"
	"taskpulse/internal/repository"
	"taskpulse/pkg/config"
	"taskpulse/pkg/db"
	"taskpulse/pkg/logger"
	"taskpulse/pkg/mq"
	redisclient "taskpulse/pkg/redis"
	"taskpulse/pkg/util"

	contracts "taskpulse/contracts/mq"
)

func main() {
	cfg := config.Load()

	log := logger.NewLogger()
	defer log.Sync()

	log.Info("Starting recurring-task service...",
		zap.String("db_host", cfg.DB.Host),
		zap.String("mq_url", cfg.MQ.URL),
	)

	// DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer dbConn.Close()

	// Redis (幂等)
	rdb := redisclient.NewRedisClient(cfg.Redis)
	defer rdb.Close()

	dedupTTL := time.Duration(cfg.Recurring.DedupTTLSeconds) * time.Second
	if dedupTTL <= 0 {
		dedupTTL = time.Hour
	}
	deduper := util.NewDeduperWithLogger(rdb, dedupTTL, log)
	retryCounter := util.NewRetryCounter(rdb, 24*time.Hour)

	// MQ Publisher
	mqPublisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer mqPublisher.Close()

	// Repositories
	taskRepo := repository.NewTaskRepository(dbConn, log)
	failedEventRepo := repository.NewFailedEventRepository(dbConn)

	events := publisher.NewEventPublisher(mqPublisher, failedEventRepo, log)

	// MQ Handler + Consumer
	completedHandler := mqhandler.NewTaskCompletedHandler(taskRepo, events, deduper, log).
		WithRetryTracker(retryCounter, int64(cfg.Recurring.MaxRetries))

	consumer, err := mq.NewConsumer(cfg.MQ.URL, "task.completed.recurring.q", contracts.RoutingKeyTaskCompleted, log)
	if err != nil {
		log.Fatal("Failed to init consumer", zap.Error(err))
	}
	defer consumer.Close()

	consumer.SetHandler(completedHandler.Handle)

	go func() {
		log.Info("Starting task.completed consumer...")
		if err := consumer.StartConsuming(); err != nil {
			log.Fatal("Task completed consumer failed", zap.Error(err))
		}
	}()

	// HTTP server for health checks and metrics
	router := httpserver.NewOpsRouter(dbConn, nil)
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router.Engine,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("Recurring-task service is fully initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down recurring-task service gracefully...")
	_ = srv.Close()
}
