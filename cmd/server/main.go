package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/veltapay/sagaflow/internal/pkg/logger"
)

func main() {
	// Bootstrap logging covers everything up to config load; the configured
	// logger replaces it below.
	logger.InitBootstrap()

	app, err := initializeApplication()
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}

	if err := logger.Init(logger.OptionsFromConfig(app.Config.Log)); err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	l := logger.L().Named("Main")

	// Background machinery first, so queued work resumes before the API
	// starts accepting new work.
	app.Workers.Start()
	app.OutboxCleanup.Start()

	go func() {
		l.Info("http server listening", zap.String("addr", app.Server.Addr))
		if err := app.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	l.Info("shutdown signal received")

	// Stop accepting requests before tearing down the workers; in-flight
	// requests get a grace period.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Server.Shutdown(shutdownCtx); err != nil {
		l.Warn("http server shutdown error", zap.Error(err))
	}

	app.Cleanup()
	l.Info("shutdown complete")
}
