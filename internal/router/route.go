package router

import (
	"errors"
	"time"

	"github.com/adred-codev/comet/internal/monitoring"
	"github.com/adred-codev/comet/internal/protocol"
	"github.com/adred-codev/comet/internal/storage"
)

// routeUser forwards a user message to the shard holding the recipient,
// or stores it when the recipient is offline. done, if set, learns the
// outcome.
func (s *Server) routeUser(m *protocol.Message, done func(error)) {
	rec := s.user(m.To)
	if rec.online {
		s.forward(rec, m, 0, done)
		return
	}
	s.persistOffline(rec, m, done)
}

// bounced handles a message a shard could not deliver because the user
// had left it.
func (s *Server) bounced(m *protocol.Message, from int) {
	rec := s.user(m.To)
	if rec.online && rec.shard != from {
		s.forward(rec, m, 0, nil)
		return
	}
	s.saveOffline(rec, m, nil)
}

// forward publishes m to the recipient's shard, retrying on a fixed
// interval. When the shard stays unreachable the message is stored.
func (s *Server) forward(rec *userRecord, m *protocol.Message, attempt int, done func(error)) {
	out := m.Clone()
	out.Shard, out.Bounced = 0, false
	shard := rec.shard

	err := s.toShard(shard, out)
	if err == nil {
		monitoring.RecordRoute(monitoring.RouteForwarded)
		finish(done, nil)
		return
	}
	if attempt >= s.cfg.BusRetryAttempts {
		monitoring.RecordRoute(monitoring.RouteFailed)
		s.logger.Warn().Err(err).Str("uid", rec.id).Int("shard", shard).Msg("Shard unreachable, storing message")
		s.saveOffline(rec, m, done)
		return
	}

	monitoring.RecordRoute(monitoring.RouteRetried)
	time.AfterFunc(s.cfg.BusRetryInterval, func() {
		err := s.loop.Post(func() {
			if !rec.online {
				s.persistOffline(rec, m, done)
				return
			}
			s.forward(rec, m, attempt+1, done)
		})
		if err != nil {
			finish(done, err)
		}
	})
}

// persistOffline stores m for an offline user. If the user came back
// while storage was being primed the message is forwarded instead.
func (s *Server) persistOffline(rec *userRecord, m *protocol.Message, done func(error)) {
	s.prime(rec, false, func() {
		if rec.online {
			s.forward(rec, m, 0, done)
			return
		}
		s.saveOffline(rec, m, done)
	})
}

// saveOffline assigns the next seq and stores m whatever the user's state.
func (s *Server) saveOffline(rec *userRecord, m *protocol.Message, done func(error)) {
	s.prime(rec, false, func() {
		rec.maxSeq++
		seq := rec.maxSeq
		stored := m.ClientView()
		stored.Seq = seq
		data, err := protocol.Encode(stored)
		if err != nil {
			finish(done, err)
			return
		}
		s.store.SaveMessage(rec.id, seq, data, time.Duration(m.TTL)*time.Second, func(err error) {
			if err != nil {
				monitoring.RecordRoute(monitoring.RouteFailed)
				if !errors.Is(err, storage.ErrBacklogFull) {
					s.logger.Error().Err(err).Str("uid", rec.id).Int64("seq", seq).Msg("Failed to store offline message")
				}
				finish(done, err)
				return
			}
			s.stats.Persisted.Add(1)
			monitoring.RecordRoute(monitoring.RoutePersisted)
			finish(done, nil)
		})
	})
}

func finish(done func(error), err error) {
	if done != nil {
		done(err)
	}
}
