package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/adred-codev/comet/internal/bus"
	"github.com/adred-codev/comet/internal/config"
	"github.com/adred-codev/comet/internal/monitoring"
	"github.com/adred-codev/comet/internal/shard"
	"github.com/adred-codev/comet/internal/storage"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.InitGlobalLogger(monitoring.LoggerConfig{
		Level:   cfg.Level(),
		Format:  cfg.Format(),
		Service: fmt.Sprintf("comet-shard-%d", cfg.ShardID),
	})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Starting shard")
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StorageBackend).Msg("Failed to open storage")
	}
	defer closeStorage(store, logger)

	b, err := bus.Open(cfg.BusURL, fmt.Sprintf("comet-shard-%d", cfg.ShardID), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to bus")
	}
	defer b.Close()

	srv, err := shard.New(shard.Options{
		ID:         cfg.ShardID,
		ClientAddr: cfg.ShardClientAddr,
		AdminAddr:  cfg.ShardAdminAddr,
		Config:     cfg,
		Bus:        b,
		Storage:    store,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create shard")
	}
	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Shard stopped with error")
	}
}

func closeStorage(store storage.Backend, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to close storage")
	}
}
