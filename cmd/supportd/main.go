package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"support-router/pkg/config"
	"support-router/pkg/logger"
	"support-router/pkg/metrics"
	"support-router/pkg/service"
)

func main() {
	// .env is optional; real environment variables win
	envErr := godotenv.Load()

	cfg := config.Load()

	log := logger.New(cfg.LogLevel)
	if envErr != nil && !os.IsNotExist(envErr) {
		log.WithError(envErr).Warn("Failed to read .env file")
	}

	log.WithField("pod_id", cfg.PodID).Info("Starting support router")

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	svc, err := service.New(cfg, log, m)
	if err != nil {
		log.WithError(err).Fatal("Failed to build service")
	}

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start service")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := svc.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("Error during service shutdown")
	}

	log.Info("Support router shutdown complete")
}
