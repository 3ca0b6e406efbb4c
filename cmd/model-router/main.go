package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-model-router/app"
	"github.com/upb/llm-model-router/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	logger, err := buildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("model router exited with error", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var deps *app.Dependencies
	watcher, err := config.NewWatcher(configPath, logger, func(cfg *config.Config) {
		if deps != nil {
			deps.ReloadModels(cfg)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	deps, err = app.NewDependencies(ctx, watcher.Current(), logger)
	if err != nil {
		return err
	}

	go watcher.Run(ctx)
	deps.StartWorkers(ctx)

	logger.Info("model router started", zap.String("config", configPath))
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return deps.Close(shutdownCtx)
}

func buildLogger() (*zap.Logger, error) {
	if os.Getenv("MODEL_ROUTER_ENV") == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
