package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"relay/internal/config"
	"relay/internal/logger"
	"relay/internal/processor"
	"relay/internal/registry"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Init("info")
		logger.Logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg.Log.Level)
	log := logger.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := registry.New(nil)
	if err := NewAccounts().Register(reg); err != nil {
		log.Fatal().Err(err).Msg("failed to register handlers")
	}

	p, err := processor.New(ctx, cfg, reg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build processor")
	}
	if err := p.Run(ctx); err != nil {
		log.Error().Err(err).Msg("processor exited")
		os.Exit(1)
	}
	log.Info().Msg("exited")
}
