package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"taskpulse/internal/handler"
	"taskpulse/internal/httpserver"
	"taskpulse/internal/repository"
	"taskpulse/pkg/config"
	"taskpulse/pkg/db"
	"taskpulse/pkg/logger"
)

func main() {
	cfg := config.Load()

	log := logger.NewLogger()
	defer log.Sync()

	log.Info("Starting subscription API...",
		zap.String("db_host", cfg.DB.Host),
		zap.String("port", cfg.Server.Port),
	)

	// DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer dbConn.Close()

	// Repositories + Handlers
	subscriptionRepo := repository.NewSubscriptionRepository(dbConn, log)
	subscriptionHandler := handler.NewSubscriptionHandler(subscriptionRepo, log)

	router := httpserver.NewRouter(subscriptionHandler, cfg.JWT.Secret, dbConn)
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

	log.Info("Subscription API is fully initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down subscription API gracefully...")
	_ = srv.Close()
}
