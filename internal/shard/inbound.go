package shard

import (
	"github.com/adred-codev/comet/internal/monitoring"
	"github.com/adred-codev/comet/internal/protocol"
	"github.com/adred-codev/comet/internal/registry"
	"github.com/adred-codev/comet/internal/session"
)

// onClientFrame runs on the loop for every frame a client sends.
func (s *Server) onClientFrame(uid string, sess session.Session, frame []byte) {
	u, ok := s.reg.Lookup(uid)
	if !ok || u.Session != sess {
		return
	}
	s.reg.Touch(uid)
	s.stats.UserMessages.Add(1)
	s.stats.UserMessageBytes.Add(int64(len(frame)))

	m, err := protocol.Decode(frame)
	if err != nil {
		monitoring.RecordError("bad_client_frame")
		s.logger.Warn().Err(err).Str("uid", uid).Msg("Dropping malformed client frame")
		return
	}
	m.From = uid
	m.Shard, m.Ack, m.Bounced = 0, 0, false

	switch m.Type {
	case protocol.TypeNoop:
		// activity only

	case protocol.TypeAck:
		ack := u.Ack(m.Seq)
		s.toRouter(&protocol.Message{Type: protocol.TypeAck, User: uid, Seq: ack})

	case protocol.TypeMsg:
		m.Seq = 0
		s.deliverUser(m, fromClient)

	case protocol.TypeSub:
		s.joinLocal(registry.KindChannel, m.Channel, uid)
	case protocol.TypeUnsub:
		s.leaveLocal(registry.KindChannel, m.Channel, uid)
	case protocol.TypeChannel:
		s.publishGroup(registry.KindChannel, m.Channel, m)

	case protocol.TypeRoomJoin:
		s.joinLocal(registry.KindRoom, m.Room, uid)
	case protocol.TypeRoomLeave:
		s.leaveLocal(registry.KindRoom, m.Room, uid)
	case protocol.TypeRoomSend:
		if !s.inRoom(u, m.Room) {
			return
		}
		m.Seq = 0
		s.deliverUser(m, fromClient)
	case protocol.TypeRoomBroadcast:
		if !s.inRoom(u, m.Room) {
			return
		}
		s.publishGroup(registry.KindRoom, m.Room, m)
	case protocol.TypeRoomKick:
		if !s.inRoom(u, m.Room) {
			return
		}
		s.toRouter(m)
	case protocol.TypeRoomSet:
		if !s.inRoom(u, m.Room) {
			return
		}
		s.setAttr(m)
		s.toRouter(m.Clone())

	case protocol.TypeLogout:
		sess.Close(monitoring.DisconnectReasonPeerClosed)

	default:
		s.logger.Warn().Str("uid", uid).Str("type", string(m.Type)).Msg("Client frame type not accepted")
	}
}

func (s *Server) inRoom(u *registry.User, rid string) bool {
	if _, ok := u.Rooms[rid]; ok {
		return true
	}
	s.logger.Warn().Str("uid", u.ID).Str("room", rid).Msg("Room operation from non-member dropped")
	return false
}

// joinLocal adds a local user to a group and tells the router.
func (s *Server) joinLocal(kind registry.GroupKind, id, uid string) {
	_, added, err := s.reg.Join(kind, id, uid)
	if err != nil {
		s.logger.Warn().Err(err).Str("group", id).Msg("Join failed")
		return
	}
	if !added {
		return
	}
	s.toRouter(membership(kind, true, id, uid))
}

// leaveLocal removes a local user from a group and tells the router.
func (s *Server) leaveLocal(kind registry.GroupKind, id, uid string) {
	if !s.reg.Leave(kind, id, uid) {
		return
	}
	s.toRouter(membership(kind, false, id, uid))
}

// setAttr applies a room attribute and shows it to local members.
func (s *Server) setAttr(m *protocol.Message) {
	if !s.reg.SetAttr(m.Room, m.Key, m.Value) {
		return
	}
	g, _ := s.reg.Group(registry.KindRoom, m.Room)
	if m.User != "" {
		if u, ok := g.Local[m.User]; ok {
			s.send(u, m)
		}
		return
	}
	s.fanout(g, m, m.From)
}

func membership(kind registry.GroupKind, join bool, id, uid string) *protocol.Message {
	m := &protocol.Message{User: uid}
	switch {
	case kind == registry.KindRoom && join:
		m.Type, m.Room = protocol.TypeRoomJoin, id
	case kind == registry.KindRoom:
		m.Type, m.Room = protocol.TypeRoomLeave, id
	case join:
		m.Type, m.Channel = protocol.TypeSub, id
	default:
		m.Type, m.Channel = protocol.TypeUnsub, id
	}
	return m
}
