// Package cluster runs a router and every configured shard in one process
// over a shared bus and storage backend.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/adred-codev/comet/internal/bus"
	"github.com/adred-codev/comet/internal/config"
	"github.com/adred-codev/comet/internal/ingest"
	"github.com/adred-codev/comet/internal/router"
	"github.com/adred-codev/comet/internal/shard"
	"github.com/adred-codev/comet/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var errRouterStopped = errors.New("cluster: router stopped unexpectedly")

type Options struct {
	Config  *config.Config
	Bus     bus.Bus
	Storage storage.Backend
	Logger  zerolog.Logger
	// Listen binds TCP listeners. Without it the handlers are only reachable
	// through ClientHandler/AdminHandler, which is what tests use.
	Listen bool
}

// Cluster is one router plus len(Config.ShardPeers) shards.
type Cluster struct {
	Router *router.Server
	Shards []*shard.Server

	ingest *ingest.Consumer
	logger zerolog.Logger
}

func New(opts Options) (*Cluster, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("cluster: config is required")
	}
	c := &Cluster{logger: opts.Logger.With().Str("component", "cluster").Logger()}

	routerAddr := ""
	if opts.Listen {
		routerAddr = cfg.RouterAdminAddr
	}
	var err error
	c.Router, err = router.New(router.Options{
		AdminAddr: routerAddr,
		Config:    cfg,
		Bus:       opts.Bus,
		Storage:   opts.Storage,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	for id := range cfg.ShardPeers {
		var clientAddr, adminAddr string
		if opts.Listen {
			if clientAddr, adminAddr, err = ShardAddrs(cfg, id); err != nil {
				return nil, err
			}
		}
		s, err := shard.New(shard.Options{
			ID:         id,
			ClientAddr: clientAddr,
			AdminAddr:  adminAddr,
			Config:     cfg,
			Bus:        opts.Bus,
			Storage:    opts.Storage,
			Logger:     opts.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("cluster: shard %d: %w", id, err)
		}
		c.Shards = append(c.Shards, s)
	}

	if cfg.IngestEnabled() {
		c.ingest, err = ingest.NewConsumer(ingest.Config{
			Brokers:       cfg.KafkaBrokers,
			ConsumerGroup: cfg.KafkaConsumerGroup,
			Topics:        cfg.IngestTopics,
			Publisher:     c.Router,
			Rate:          cfg.IngestRate,
			Burst:         cfg.IngestBurst,
			Logger:        opts.Logger,
		})
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ShardAddrs derives shard id's listeners for a single-process deployment:
// the client listener takes the port of its ShardPeers entry and the admin
// listener takes ShardAdminAddr's port plus id.
func ShardAddrs(cfg *config.Config, id int) (client, admin string, err error) {
	if id < 0 || id >= len(cfg.ShardPeers) {
		return "", "", fmt.Errorf("cluster: no peer for shard %d", id)
	}
	_, clientPort, err := net.SplitHostPort(cfg.ShardPeers[id])
	if err != nil {
		return "", "", fmt.Errorf("cluster: shard %d peer: %w", id, err)
	}
	host, adminPort, err := net.SplitHostPort(cfg.ShardAdminAddr)
	if err != nil {
		return "", "", fmt.Errorf("cluster: admin addr: %w", err)
	}
	base, err := strconv.Atoi(adminPort)
	if err != nil {
		return "", "", fmt.Errorf("cluster: admin port %q: %w", adminPort, err)
	}
	return net.JoinHostPort("", clientPort), net.JoinHostPort(host, strconv.Itoa(base+id)), nil
}

// Run serves until ctx is cancelled. Shards and ingest stop before the
// router so their final logouts are still routed.
func (c *Cluster) Run(ctx context.Context) error {
	routerCtx, stopRouter := context.WithCancel(context.Background())
	defer stopRouter()
	shardsDone := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := c.Router.Run(routerCtx)
		select {
		case <-shardsDone:
			return err
		default:
			return errors.Join(errRouterStopped, err)
		}
	})
	g.Go(func() error {
		defer stopRouter()
		defer close(shardsDone)

		if c.ingest != nil {
			c.ingest.Start(gctx)
			defer c.ingest.Stop()
		}
		sg, sctx := errgroup.WithContext(gctx)
		for _, s := range c.Shards {
			s := s
			sg.Go(func() error { return s.Run(sctx) })
		}
		c.logger.Info().Int("shards", len(c.Shards)).Msg("Cluster started")
		return sg.Wait()
	})
	return g.Wait()
}
