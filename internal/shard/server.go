// Package shard implements a session server: it accepts client
// connections, owns their users, channels and rooms, delivers locally when
// it can and relays everything else through the router.
package shard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/adred-codev/comet/internal/bus"
	"github.com/adred-codev/comet/internal/config"
	"github.com/adred-codev/comet/internal/limits"
	"github.com/adred-codev/comet/internal/monitoring"
	"github.com/adred-codev/comet/internal/protocol"
	"github.com/adred-codev/comet/internal/reactor"
	"github.com/adred-codev/comet/internal/registry"
	"github.com/adred-codev/comet/internal/sharding"
	"github.com/adred-codev/comet/internal/storage"
	"github.com/adred-codev/comet/internal/taskexec"
	"github.com/adred-codev/comet/internal/timeout"
	"github.com/adred-codev/comet/internal/types"
	"github.com/rs/zerolog"
)

const shutdownGrace = 10 * time.Second

// Options wire a shard. Empty addresses disable the matching listener;
// tests mount ClientHandler and AdminHandler on their own servers instead.
type Options struct {
	ID         int
	ClientAddr string
	AdminAddr  string
	Config     *config.Config
	Bus        bus.Bus
	Storage    storage.Backend
	Logger     zerolog.Logger
}

// Server is one session shard.
type Server struct {
	id     int
	name   string
	cfg    *config.Config
	logger zerolog.Logger

	loop      *reactor.Loop
	exec      *taskexec.Executor
	store     *storage.Async
	bus       bus.Bus
	sub       bus.Subscription
	reg       *registry.Registry
	placement *sharding.Ring
	limiter   *limits.ConnectionRateLimiter
	monitor   *monitoring.SystemMonitor
	stats     *types.Stats

	clientSrv *http.Server
	adminSrv  *http.Server

	shuttingDown atomic.Bool
}

func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("shard: config is required")
	}
	if opts.Bus == nil || opts.Storage == nil {
		return nil, errors.New("shard: bus and storage are required")
	}
	name := shardLabel(opts.ID)
	logger := opts.Logger.With().Str("component", "shard").Int("shard_id", opts.ID).Logger()

	placement, err := sharding.New(len(cfg.ShardPeers), cfg.VirtualNodes)
	if err != nil {
		return nil, err
	}

	loop := reactor.New(reactor.Options{
		Name:         name,
		QueueSize:    cfg.LoopQueueSize,
		TickInterval: cfg.TickInterval,
		Strict:       cfg.IsDevelopment(),
		Logger:       logger,
	})
	exec := taskexec.New(loop, taskexec.Options{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		HighWater: cfg.QueueHighWater,
		Logger:    logger,
	})

	s := &Server{
		id:        opts.ID,
		name:      name,
		cfg:       cfg,
		logger:    logger,
		loop:      loop,
		exec:      exec,
		store:     storage.NewAsync(opts.Storage, exec, 0, logger),
		bus:       opts.Bus,
		reg:       registry.New(opts.ID, timeout.New[string](cfg.SlotCount())),
		placement: placement,
		monitor:   monitoring.NewSystemMonitor(cfg.MetricsInterval, logger),
		stats:     types.NewStats(),
	}
	loop.OnTick(s.onTick)

	if cfg.ConnRateLimitEnabled {
		s.limiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     cfg.ConnRateLimitIPBurst,
			IPRate:      cfg.ConnRateLimitIPRate,
			GlobalBurst: cfg.ConnRateLimitGlobalBurst,
			GlobalRate:  cfg.ConnRateLimitGlobalRate,
			Logger:      logger,
		})
	}

	sub, err := opts.Bus.Subscribe(bus.ShardSubject(opts.ID), s.onBusFrame)
	if err != nil {
		return nil, fmt.Errorf("shard: subscribe: %w", err)
	}
	s.sub = sub

	if opts.ClientAddr != "" {
		s.clientSrv = &http.Server{
			Addr:              opts.ClientAddr,
			Handler:           s.ClientHandler(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
			MaxHeaderBytes:    1 << 20,
		}
	}
	if opts.AdminAddr != "" {
		s.adminSrv = &http.Server{
			Addr:              opts.AdminAddr,
			Handler:           s.AdminHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return s, nil
}

// ID returns the shard id.
func (s *Server) ID() int { return s.id }

// Stats exposes the shard counters.
func (s *Server) Stats() *types.Stats { return s.stats }

// Run serves until ctx is cancelled, then drains sessions and stops.
func (s *Server) Run(ctx context.Context) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() { loopDone <- s.loop.Run(loopCtx) }()

	s.exec.Start()
	go s.monitor.Run(ctx)

	errc := make(chan error, 2)
	for _, srv := range []*http.Server{s.clientSrv, s.adminSrv} {
		if srv == nil {
			continue
		}
		srv := srv
		go func() {
			defer monitoring.RecoverPanic(s.logger, "http_listener", map[string]any{"addr": srv.Addr})
			s.logger.Info().Str("address", srv.Addr).Msg("Shard listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("shard %d: listen %s: %w", s.id, srv.Addr, err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	case runErr = <-loopDone:
		stopLoop()
		return runErr
	}

	s.shutdown()
	stopLoop()
	<-loopDone
	return runErr
}

func (s *Server) shutdown() {
	s.logger.Info().Int64("active_connections", s.stats.CurrentConnections.Load()).Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)

	callCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.loop.Call(callCtx, s.closeAll); err != nil {
		s.logger.Warn().Err(err).Msg("Could not close sessions")
	}

	for _, srv := range []*http.Server{s.clientSrv, s.adminSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(callCtx); err != nil {
			s.logger.Warn().Err(err).Str("address", srv.Addr).Msg("Listener shutdown incomplete")
		}
	}

	if err := s.sub.Unsubscribe(); err != nil {
		s.logger.Warn().Err(err).Msg("Bus unsubscribe failed")
	}
	s.exec.Stop()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.logger.Info().Msg("Graceful shutdown completed")
}

// closeAll runs on the loop.
func (s *Server) closeAll() {
	for _, u := range s.reg.Users() {
		u.Session.Close(monitoring.DisconnectReasonServerShutdown)
	}
}

// toRouter publishes m on the router subject, stamped with this shard.
func (s *Server) toRouter(m *protocol.Message) {
	m.Shard = s.id
	data, err := protocol.Encode(m)
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(m.Type)).Msg("Failed to encode router frame")
		return
	}
	if err := s.bus.Publish(bus.RouterSubject, data); err != nil {
		monitoring.RecordError("bus_publish")
		s.logger.Warn().Err(err).Str("type", string(m.Type)).Msg("Failed to publish to router")
	}
}

// onBusFrame runs on a bus goroutine.
func (s *Server) onBusFrame(data []byte) {
	m, err := protocol.Decode(data)
	if err != nil {
		monitoring.RecordError("bad_router_frame")
		s.logger.Warn().Err(err).Msg("Dropping malformed router frame")
		return
	}
	if err := s.loop.Post(func() { s.handleRouter(m) }); err != nil {
		s.logger.Debug().Err(err).Str("type", string(m.Type)).Msg("Router frame dropped, loop closed")
	}
}
