// Package router implements the node that knows which shard holds which
// user. It relays messages between shards, persists messages for offline
// users and keeps channel and room routing tables.
package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/adred-codev/comet/internal/bus"
	"github.com/adred-codev/comet/internal/config"
	"github.com/adred-codev/comet/internal/monitoring"
	"github.com/adred-codev/comet/internal/protocol"
	"github.com/adred-codev/comet/internal/reactor"
	"github.com/adred-codev/comet/internal/sharding"
	"github.com/adred-codev/comet/internal/storage"
	"github.com/adred-codev/comet/internal/taskexec"
	"github.com/adred-codev/comet/internal/types"
	"github.com/rs/zerolog"
)

const (
	loopName      = "router"
	shutdownGrace = 10 * time.Second
	// originAdmin marks messages injected through the admin listener or
	// ingest rather than by a shard.
	originAdmin = -1
)

// Options wire a router. An empty AdminAddr disables the listener.
type Options struct {
	AdminAddr string
	Config    *config.Config
	Bus       bus.Bus
	Storage   storage.Backend
	Logger    zerolog.Logger
}

// Server is the router node.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	loop      *reactor.Loop
	exec      *taskexec.Executor
	store     *storage.Async
	bus       bus.Bus
	sub       bus.Subscription
	placement *sharding.Ring
	monitor   *monitoring.SystemMonitor
	stats     *types.Stats

	// loop-owned
	users    map[string]*userRecord
	channels map[string]*groupRecord
	rooms    map[string]*groupRecord

	adminSrv     *http.Server
	shuttingDown atomic.Bool
}

func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("router: config is required")
	}
	if opts.Bus == nil || opts.Storage == nil {
		return nil, errors.New("router: bus and storage are required")
	}
	logger := opts.Logger.With().Str("component", "router").Logger()

	placement, err := sharding.New(len(cfg.ShardPeers), cfg.VirtualNodes)
	if err != nil {
		return nil, err
	}

	loop := reactor.New(reactor.Options{
		Name:         loopName,
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
		cfg:       cfg,
		logger:    logger,
		loop:      loop,
		exec:      exec,
		store:     storage.NewAsync(opts.Storage, exec, 0, logger),
		bus:       opts.Bus,
		placement: placement,
		monitor:   monitoring.NewSystemMonitor(cfg.MetricsInterval, logger),
		stats:     types.NewStats(),
		users:     make(map[string]*userRecord),
		channels:  make(map[string]*groupRecord),
		rooms:     make(map[string]*groupRecord),
	}
	loop.OnTick(s.onTick)

	sub, err := opts.Bus.Subscribe(bus.RouterSubject, s.onBusFrame)
	if err != nil {
		return nil, fmt.Errorf("router: subscribe: %w", err)
	}
	s.sub = sub

	if opts.AdminAddr != "" {
		s.adminSrv = &http.Server{
			Addr:              opts.AdminAddr,
			Handler:           s.AdminHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return s, nil
}

// Stats exposes the router counters.
func (s *Server) Stats() *types.Stats { return s.stats }

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() { loopDone <- s.loop.Run(loopCtx) }()

	s.exec.Start()
	go s.monitor.Run(ctx)

	errc := make(chan error, 1)
	if s.adminSrv != nil {
		go func() {
			defer monitoring.RecoverPanic(s.logger, "http_listener", map[string]any{"addr": s.adminSrv.Addr})
			s.logger.Info().Str("address", s.adminSrv.Addr).Msg("Router listening")
			if err := s.adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("router: listen %s: %w", s.adminSrv.Addr, err)
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

	s.logger.Info().Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)
	if s.adminSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := s.adminSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("Admin listener shutdown incomplete")
		}
		cancel()
	}
	if err := s.sub.Unsubscribe(); err != nil {
		s.logger.Warn().Err(err).Msg("Bus unsubscribe failed")
	}
	s.exec.Stop()
	stopLoop()
	<-loopDone
	s.logger.Info().Msg("Graceful shutdown completed")
	return runErr
}

func (s *Server) onBusFrame(data []byte) {
	m, err := protocol.Decode(data)
	if err != nil {
		monitoring.RecordError("bad_shard_frame")
		s.logger.Warn().Err(err).Msg("Dropping malformed shard frame")
		return
	}
	if err := s.loop.Post(func() { s.handleShard(m) }); err != nil {
		s.logger.Debug().Err(err).Str("type", string(m.Type)).Msg("Shard frame dropped, loop closed")
	}
}

// handleShard runs on the loop for every frame a shard sends.
func (s *Server) handleShard(m *protocol.Message) {
	origin := m.Shard
	switch m.Type {
	case protocol.TypeLogin:
		s.login(m.User, origin)
	case protocol.TypeLogout:
		s.logout(m.User, origin, m.Seq, m.Ack)
	case protocol.TypeAck:
		s.ack(m.User, m.Seq)

	case protocol.TypeMsg, protocol.TypeRoomSend:
		if m.Bounced {
			s.bounced(m, origin)
		} else {
			s.routeUser(m, nil)
		}

	case protocol.TypeChannel:
		s.publishChannel(m, origin)
	case protocol.TypeRoomBroadcast:
		s.publishRoom(m, origin)

	case protocol.TypeSub:
		s.joinGroup(channelKind, m.Channel, m.User, origin)
	case protocol.TypeUnsub:
		s.leaveGroup(channelKind, m.Channel, m.User, origin, true)
	case protocol.TypeRoomJoin:
		s.joinGroup(roomKind, m.Room, m.User, origin)
	case protocol.TypeRoomLeave:
		s.leaveGroup(roomKind, m.Room, m.User, origin, false)
	case protocol.TypeRoomKick:
		s.kick(m)
	case protocol.TypeRoomSet:
		s.setAttr(m, origin)

	default:
		s.logger.Warn().Str("type", string(m.Type)).Int("shard", origin).Msg("Unexpected shard frame")
	}
}

// toShard publishes m on a shard's subject.
func (s *Server) toShard(shard int, m *protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return s.bus.Publish(bus.ShardSubject(shard), data)
}

// notify is toShard for best-effort control frames.
func (s *Server) notify(shard int, m *protocol.Message) {
	if err := s.toShard(shard, m); err != nil {
		monitoring.RecordError("bus_publish")
		s.logger.Warn().Err(err).Int("shard", shard).Str("type", string(m.Type)).Msg("Failed to notify shard")
	}
}

func (s *Server) onTick(now time.Time) {
	if now.Second()%15 != 0 {
		return
	}
	monitoring.SetExecutorQueueDepth(loopName, "all", s.exec.Pending())
	monitoring.SetExecutorQueueDepth(loopName, "loop", s.loop.Len())
	monitoring.SetUsersOnline(loopName, s.online())
}
