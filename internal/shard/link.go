package shard

import (
	"github.com/adred-codev/comet/internal/monitoring"
	"github.com/adred-codev/comet/internal/protocol"
	"github.com/adred-codev/comet/internal/registry"
)

// handleRouter runs on the loop for every frame the router sends here.
func (s *Server) handleRouter(m *protocol.Message) {
	switch m.Type {
	case protocol.TypeLogin:
		s.onLoginReply(m)

	case protocol.TypeLogout:
		if m.Shard == s.id {
			if u, ok := s.reg.Lookup(m.User); ok {
				u.Session.Close(monitoring.DisconnectReasonAdmin)
			}
			return
		}
		s.reg.ForgetRemoteUser(m.User)

	case protocol.TypeMsg, protocol.TypeRoomSend:
		m.Shard, m.Bounced = 0, false
		s.deliverUser(m, fromRouter)

	case protocol.TypeChannel:
		if g, ok := s.reg.Group(registry.KindChannel, m.Channel); ok {
			s.fanout(g, m, m.From)
		}
	case protocol.TypeRoomBroadcast:
		if g, ok := s.reg.Group(registry.KindRoom, m.Room); ok {
			s.fanout(g, m, m.From)
		}

	case protocol.TypeSub:
		s.applyMembership(registry.KindChannel, m.Channel, m, true)
	case protocol.TypeUnsub:
		s.applyMembership(registry.KindChannel, m.Channel, m, false)
	case protocol.TypeRoomJoin:
		s.applyMembership(registry.KindRoom, m.Room, m, true)
	case protocol.TypeRoomLeave:
		s.applyMembership(registry.KindRoom, m.Room, m, false)

	case protocol.TypeRoomKick:
		u, ok := s.reg.Lookup(m.User)
		if !ok {
			return
		}
		s.reg.Leave(registry.KindRoom, m.Room, m.User)
		s.send(u, m)

	case protocol.TypeRoomSet:
		s.setAttr(m)

	default:
		s.logger.Warn().Str("type", string(m.Type)).Msg("Unexpected router frame")
	}
}

// onLoginReply primes the user's counters and releases messages that
// arrived before them.
func (s *Server) onLoginReply(m *protocol.Message) {
	u, ok := s.reg.Lookup(m.User)
	if !ok {
		return
	}
	u.Prime(m.Seq, m.Ack)
	for _, held := range u.TakePending() {
		s.deliverLocal(u, held)
	}
	if u.Type == registry.Polling && u.Delivered > 0 {
		u.Session.Close(monitoring.DisconnectReasonPollingDone)
	}
}

// applyMembership handles a membership change relayed by the router. A
// change for one of this shard's own users is an out-of-band request and
// is confirmed back; anything else updates the remote annotations.
func (s *Server) applyMembership(kind registry.GroupKind, id string, m *protocol.Message, join bool) {
	if m.Shard != s.id {
		if join {
			s.reg.AddRemote(kind, id, m.User, m.Shard)
		} else {
			s.reg.RemoveRemote(kind, id, m.User)
		}
		return
	}
	if !s.reg.Connected(m.User) {
		return
	}
	if join {
		s.joinLocal(kind, id, m.User)
	} else {
		s.leaveLocal(kind, id, m.User)
	}
}
