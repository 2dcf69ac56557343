package shard

import (
	"time"

	"github.com/adred-codev/comet/internal/monitoring"
	"github.com/adred-codev/comet/internal/protocol"
	"github.com/adred-codev/comet/internal/registry"
)

// origin tells deliverUser where a message came from.
type origin int

const (
	fromClient origin = iota // a local client or the shard admin listener
	fromRouter
)

// deliverUser hands m to m.To. Local users get it directly; everyone else
// goes through the router. Messages the router sent here for a user that
// has since left are bounced back.
func (s *Server) deliverUser(m *protocol.Message, from origin) {
	if u, ok := s.reg.Lookup(m.To); ok {
		s.deliverLocal(u, m)
		return
	}
	if from == fromRouter {
		s.bounce(m)
		return
	}
	s.toRouter(m.Clone())
}

// deliverLocal sequences, persists and sends one message. Messages that
// already carry a seq (replays) are sent as they are. New messages wait
// until the router has primed the user's counters.
func (s *Server) deliverLocal(u *registry.User, m *protocol.Message) {
	if m.Seq == 0 {
		if !u.Primed {
			u.Hold(m)
			return
		}
		m = m.Clone()
		m.Seq = u.NextSeq()
		s.persist(u.ID, m)
	} else if m.Seq > u.MaxSeq {
		u.MaxSeq = m.Seq
	}

	s.send(u, m)
	if u.Type == registry.Polling && u.Primed {
		u.Session.Close(monitoring.DisconnectReasonPollingDone)
	}
}

// send writes the client view of m to u's session.
func (s *Server) send(u *registry.User, m *protocol.Message) bool {
	frame, err := protocol.ClientFrame(m)
	if err != nil {
		s.logger.Error().Err(err).Str("uid", u.ID).Msg("Failed to encode frame")
		return false
	}
	if err := u.Session.Send(frame); err != nil {
		s.logger.Debug().Err(err).Str("uid", u.ID).Int64("seq", m.Seq).Msg("Frame not delivered")
		return false
	}
	u.Delivered++
	s.stats.Delivered.Add(1)
	return true
}

// persist stores a sequenced message so it survives until acked.
func (s *Server) persist(uid string, m *protocol.Message) {
	data, err := protocol.Encode(m.ClientView())
	if err != nil {
		s.logger.Error().Err(err).Str("uid", uid).Msg("Failed to encode message for storage")
		return
	}
	seq := m.Seq
	s.store.SaveMessage(uid, seq, data, time.Duration(m.TTL)*time.Second, func(err error) {
		if err != nil {
			s.logger.Warn().Err(err).Str("uid", uid).Int64("seq", seq).Msg("Delivered message was not persisted")
			return
		}
		s.stats.Persisted.Add(1)
	})
}

// bounce returns a message to the router, which persists it or forwards it
// to the user's new shard.
func (s *Server) bounce(m *protocol.Message) {
	b := m.Clone()
	b.Bounced = true
	monitoring.RecordRoute(monitoring.RouteBounced)
	s.toRouter(b)
}

// fanout delivers a channel or room message to local members other than
// exclude. Group messages are not sequenced or persisted.
func (s *Server) fanout(g *registry.Group, m *protocol.Message, exclude string) int {
	frame, err := protocol.ClientFrame(m)
	if err != nil {
		s.logger.Error().Err(err).Str("group", g.ID).Msg("Failed to encode group frame")
		return 0
	}
	n := 0
	for _, u := range g.LocalMembers(exclude) {
		if err := u.Session.Send(frame); err != nil {
			continue
		}
		u.Delivered++
		n++
	}
	s.stats.Delivered.Add(int64(n))
	return n
}

// publishGroup delivers locally and relays to the router when members live
// on other shards, or when this shard does not know the group at all.
func (s *Server) publishGroup(kind registry.GroupKind, id string, m *protocol.Message) {
	s.stats.ChannelMessages.Add(1)
	g, ok := s.reg.Group(kind, id)
	if ok {
		s.fanout(g, m, m.From)
	}
	if !ok || len(g.Remote) > 0 {
		s.toRouter(m.Clone())
	}
}
