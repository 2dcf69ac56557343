// Command comet runs the router and every shard listed in SHARD_PEERS in a
// single process.
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
	"github.com/adred-codev/comet/internal/cluster"
	"github.com/adred-codev/comet/internal/config"
	"github.com/adred-codev/comet/internal/monitoring"
	"github.com/adred-codev/comet/internal/storage"
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
		Level:  cfg.Level(),
		Format: cfg.Format(),
	})
	logger.Info().
		Int("gomaxprocs", runtime.GOMAXPROCS(0)).
		Int("shards", len(cfg.ShardPeers)).
		Msg("Starting comet")
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StorageBackend).Msg("Failed to open storage")
	}
	b, err := bus.Open(cfg.BusURL, "comet", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to bus")
	}

	c, err := cluster.New(cluster.Options{
		Config:  cfg,
		Bus:     b,
		Storage: store,
		Logger:  logger,
		Listen:  true,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create cluster")
	}

	runErr := c.Run(ctx)
	if runErr != nil {
		logger.Error().Err(runErr).Msg("Cluster stopped with error")
	}

	b.Close()
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Close(closeCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to close storage")
	}
	logger.Info().Msg("Comet gracefully shut down")
	if runErr != nil {
		os.Exit(1)
	}
}
