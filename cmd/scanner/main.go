package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"taskpulse/internal/httpserver"
	"taskpulse/internal/publisher"
	"taskpulse/internal/repository"
	"taskpulse/internal/scanner"
	"taskpulse/pkg/config"
	"taskpulse/pkg/db"
	"taskpulse/pkg/logger"
	"taskpulse/pkg/mq"
)

func main() {
	cfg := config.Load()

	log := logger.NewLogger()
	defer log.Sync()

	log.Info("Starting scanner service...",
		zap.String("db_host", cfg.DB.Host),
		zap.String("mq_url", cfg.MQ.URL),
		zap.String("schedule", cfg.Scanner.Schedule),
	)

	// DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer dbConn.Close()

	// MQ Publisher
	mqPublisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer mqPublisher.Close()

	// Repositories
	taskRepo := repository.NewTaskRepository(dbConn, log)
	subscriptionRepo := repository.NewSubscriptionRepository(dbConn, log)
	failedEventRepo := repository.NewFailedEventRepository(dbConn)

	// Event publisher with audit on dropped events
	events := publisher.NewEventPublisher(mqPublisher, failedEventRepo, log)

	// Scanner
	s := scanner.NewScanner(taskRepo, events, cfg.Scanner.BatchSize, log).
		WithSubscriptionLister(subscriptionRepo)

	schedule := cfg.Scanner.Schedule
	if schedule == "" {
		schedule = "@every 1m"
	}
	if err := s.Start(schedule); err != nil {
		log.Fatal("Failed to start scanner", zap.Error(err))
	}
	defer s.Stop()

	// HTTP server: health, metrics, and the platform-cron tick endpoint
	router := httpserver.NewOpsRouter(dbConn, s.Tick)
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

	log.Info("Scanner service is fully initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down scanner service gracefully...")
	s.Stop()
	_ = srv.Close()
}
