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
	"github.com/adred-codev/comet/internal/ingest"
	"github.com/adred-codev/comet/internal/monitoring"
	"github.com/adred-codev/comet/internal/router"
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
		Service: "comet-router",
	})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Starting router")
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StorageBackend).Msg("Failed to open storage")
	}
	defer closeStorage(store, logger)

	b, err := bus.Open(cfg.BusURL, "comet-router", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to bus")
	}
	defer b.Close()

	srv, err := router.New(router.Options{
		AdminAddr: cfg.RouterAdminAddr,
		Config:    cfg,
		Bus:       b,
		Storage:   store,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create router")
	}

	if cfg.IngestEnabled() {
		consumer, err := ingest.NewConsumer(ingest.Config{
			Brokers:       cfg.KafkaBrokers,
			ConsumerGroup: cfg.KafkaConsumerGroup,
			Topics:        cfg.IngestTopics,
			Publisher:     srv,
			Rate:          cfg.IngestRate,
			Burst:         cfg.IngestBurst,
			Logger:        logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create ingest consumer")
		}
		consumer.Start(ctx)
		defer consumer.Stop()
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Router stopped with error")
	}
}

func closeStorage(store storage.Backend, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to close storage")
	}
}
