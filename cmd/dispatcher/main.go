package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"taskpulse/internal/dispatcher"
	"taskpulse/internal/httpserver"
	"taskpulse/internal/mqhandler"
	"taskpulse/internal/repository"
	"taskpulse/pkg/config"
	"taskpulse/pkg/db"
	"taskpulse/pkg/logger"
	"taskpulse/pkg/mq"
	redisclient "taskpulse/pkg/redis"
	"taskpulse/pkg/util"
	"taskpulse/pkg/webpush"

	contracts "taskpulse/contracts/mq"
)

func main() {
	cfg := config.Load()

	log := logger.NewLogger()
	defer log.Sync()

	log.Info("Starting dispatcher service...",
		zap.String("db_host", cfg.DB.Host),
		zap.String("mq_url", cfg.MQ.URL),
	)

	// DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer dbConn.Close()

	// Redis (去重)
	rdb := redisclient.NewRedisClient(cfg.Redis)
	defer rdb.Close()

	deduper := util.NewDeduperWithLogger(rdb, time.Hour, log)

	// VAPID keys + push sender
	vapid, err := webpush.NewVAPIDKeys(cfg.Push.Subject, cfg.VAPID.PublicKey, cfg.VAPID.PrivateKey)
	if err != nil {
		log.Fatal("Failed to load VAPID keys", zap.Error(err))
	}

	timeout := time.Duration(cfg.Push.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	sender := webpush.NewSender(vapid, timeout, cfg.Push.TTLSeconds)

	// Repositories
	subscriptionRepo := repository.NewSubscriptionRepository(dbConn, log)

	// Dispatcher
	backoff := time.Duration(cfg.Push.BackoffSeconds) * time.Second
	d := dispatcher.NewDispatcher(sender, subscriptionRepo, cfg.Push.MaxAttempts, backoff, log)

	// MQ Handler + Consumer
	reminderHandler := mqhandler.NewReminderDueHandler(d, deduper, log)

	consumer, err := mq.NewConsumer(cfg.MQ.URL, "reminder.due.notify.q", contracts.RoutingKeyReminderDue, log)
	if err != nil {
		log.Fatal("Failed to init consumer", zap.Error(err))
	}
	defer consumer.Close()

	consumer.SetHandler(reminderHandler.Handle)

	go func() {
		log.Info("Starting reminder.due consumer...")
		if err := consumer.StartConsuming(); err != nil {
			log.Fatal("Reminder consumer failed", zap.Error(err))
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

	log.Info("Dispatcher service is fully initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down dispatcher service gracefully...")
	_ = srv.Close()
}
