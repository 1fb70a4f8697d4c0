package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"hedge-bot/internal/app"
	"hedge-bot/internal/config"
	"hedge-bot/internal/logging"
	"hedge-bot/internal/supervisor"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	iterations := flag.Int("iterations", 0, "override hedge.iterations (negative runs until stopped)")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	switch {
	case *iterations < 0:
		cfg.Hedge.Iterations = 0
	case *iterations > 0:
		cfg.Hedge.Iterations = *iterations
	}
	log := logging.New(cfg.Log)
	log.Info("config loaded", zap.String("path", *configPath))

	application, err := app.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		os.Exit(1)
	}
	log.Info("app initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = application.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, supervisor.ErrHalted):
		log.Error("hedger halted", zap.Error(err))
		os.Exit(2)
	default:
		log.Error("app terminated", zap.Error(err))
		os.Exit(1)
	}
}
