package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/cplus-sensores/colector/internal/app"
	"github.com/cplus-sensores/colector/internal/config"
	httpserver "github.com/cplus-sensores/colector/services/api/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := app.NewLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("startup error: %v", err)
	}
	defer a.Close()

	srv := httpserver.New(cfg, a)
	logger.Info("management API listening", "addr", cfg.ListenAddr())

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
