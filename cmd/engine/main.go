package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/tagflow/tagflow/config"
	"github.com/tagflow/tagflow/internal/app"
	"github.com/tagflow/tagflow/pkg/logger"
)

// osExit is a variable to allow mocking os.Exit in tests
var osExit = os.Exit

// runEngine contains the core engine lifecycle, extracted for testability
func runEngine(cfg *config.Config, appLogger logger.Logger) error {
	appInstance := app.NewApp(cfg, app.WithLogger(appLogger))

	if err := appInstance.Initialize(); err != nil {
		appLogger.WithField("error", err.Error()).Error("Failed to initialize engine")
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := appInstance.Start(ctx); err != nil {
		appLogger.WithField("error", err.Error()).Error("Failed to start engine")
		return err
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	sig := <-shutdown
	appLogger.WithField("signal", sig.String()).Info("Shutdown signal received, stopping engine")

	cancel()
	return appInstance.Shutdown()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		osExit(1)
		return
	}

	appLogger := logger.NewLogger(cfg.LogLevel)

	if err := runEngine(cfg, appLogger); err != nil {
		osExit(1)
	}
}
