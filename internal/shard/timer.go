package shard

import (
	"strconv"
	"time"

	"github.com/adred-codev/comet/internal/monitoring"
	"github.com/adred-codev/comet/internal/protocol"
	"github.com/adred-codev/comet/internal/registry"
)

// onTick advances the idle ring. Stream users in heartbeat mode get a noop
// and another full window; everyone else is closed.
func (s *Server) onTick(now time.Time) {
	for _, u := range s.reg.Expire() {
		if s.cfg.HeartbeatMode && u.Type == registry.Stream {
			if err := u.Session.Send(protocol.Noop()); err == nil {
				s.reg.Rearm(u.ID)
				s.stats.Heartbeats.Add(1)
				monitoring.RecordRingEvent(s.name, "heartbeat")
				continue
			}
		}
		s.stats.Timeouts.Add(1)
		monitoring.RecordRingEvent(s.name, "evict")
		u.Session.Close(monitoring.DisconnectReasonIdleTimeout)
	}

	if now.Second()%15 == 0 {
		s.reportQueues()
	}
}

func (s *Server) reportQueues() {
	monitoring.SetExecutorQueueDepth(s.name, "all", s.exec.Pending())
	monitoring.SetExecutorQueueDepth(s.name, "loop", s.loop.Len())
	monitoring.SetUsersOnline(s.name, s.reg.Len())
}

func shardLabel(id int) string {
	return "shard-" + strconv.Itoa(id)
}
