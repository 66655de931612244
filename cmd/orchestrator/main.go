package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/app"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/config"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/repository"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/telemetry"
)

func main() {
	// Initialize telemetry
	if err := telemetry.InitTelemetry("momo-orchestrator"); err != nil {
		panic(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(context.Background())

	telemetry.Logger.Info("Starting MoMo Orchestrator")

	cfg := config.Load()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	a, err := app.New(startCtx, cfg)
	if err != nil {
		telemetry.Logger.Fatal("Failed to initialize dependencies", zap.Error(err))
	}
	defer a.Close()

	// Initialize database
	if err := repository.Migrate(startCtx, a.DB); err != nil {
		telemetry.Logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	if err := a.Schedule(); err != nil {
		telemetry.Logger.Fatal("Failed to schedule jobs", zap.Error(err))
	}
	a.Scheduler.Start()

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		telemetry.Logger.Info("MoMo Orchestrator starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	telemetry.Logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}
	a.Scheduler.Stop()

	telemetry.Logger.Info("Server exited")
}
