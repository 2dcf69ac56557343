package router

import (
	"sort"

	"github.com/adred-codev/comet/internal/monitoring"
	"github.com/adred-codev/comet/internal/protocol"
)

type groupKind int

const (
	channelKind groupKind = iota
	roomKind
)

// groupRecord is a channel or room routing table.
type groupRecord struct {
	members map[string]struct{}
	attrs   map[string]string
}

func (s *Server) groups(kind groupKind) map[string]*groupRecord {
	if kind == roomKind {
		return s.rooms
	}
	return s.channels
}

func (s *Server) group(kind groupKind, id string) *groupRecord {
	groups := s.groups(kind)
	g, ok := groups[id]
	if !ok {
		g = &groupRecord{members: make(map[string]struct{}), attrs: make(map[string]string)}
		groups[id] = g
	}
	return g
}

func (rec *userRecord) memberships(kind groupKind) map[string]struct{} {
	if kind == roomKind {
		return rec.rooms
	}
	return rec.channels
}

// membershipFrame builds the sub/unsub or room_join/room_leave notice for
// uid, annotated with the shard it lives on.
func membershipFrame(kind groupKind, join bool, id, uid string, shard int) *protocol.Message {
	m := &protocol.Message{User: uid, Shard: shard}
	switch {
	case kind == roomKind && join:
		m.Type, m.Room = protocol.TypeRoomJoin, id
	case kind == roomKind:
		m.Type, m.Room = protocol.TypeRoomLeave, id
	case join:
		m.Type, m.Channel = protocol.TypeSub, id
	default:
		m.Type, m.Channel = protocol.TypeUnsub, id
	}
	return m
}

// memberShards returns the distinct shards of online members, excluding
// skipUser and skipShard.
func (s *Server) memberShards(g *groupRecord, skipUser string, skipShard int) []int {
	seen := make(map[int]struct{})
	var out []int
	for uid := range g.members {
		rec, ok := s.users[uid]
		if !ok || !rec.online || uid == skipUser || rec.shard == skipShard {
			continue
		}
		if _, dup := seen[rec.shard]; !dup {
			seen[rec.shard] = struct{}{}
			out = append(out, rec.shard)
		}
	}
	sort.Ints(out)
	return out
}

// joinGroup records uid, connected to shard, as a member. Other shards
// with members learn about uid, and shard learns about them.
func (s *Server) joinGroup(kind groupKind, id, uid string, shard int) {
	g := s.group(kind, id)
	rec := s.user(uid)
	if _, already := g.members[uid]; already {
		return
	}
	g.members[uid] = struct{}{}
	rec.memberships(kind)[id] = struct{}{}
	if kind == channelKind {
		s.store.AddUserToChannel(id, uid, nil)
	}

	for _, other := range s.memberShards(g, uid, shard) {
		s.notify(other, membershipFrame(kind, true, id, uid, shard))
	}
	for member := range g.members {
		mrec, ok := s.users[member]
		if !ok || !mrec.online || member == uid || mrec.shard == shard {
			continue
		}
		s.notify(shard, membershipFrame(kind, true, id, member, mrec.shard))
	}
	if kind == roomKind {
		for _, k := range sortedKeys(g.attrs) {
			s.notify(shard, &protocol.Message{Type: protocol.TypeRoomSet, Room: id, Key: k, Value: g.attrs[k], User: uid})
		}
	}
}

// leaveGroup removes uid. Stored channel membership is only removed for an
// explicit unsubscribe.
func (s *Server) leaveGroup(kind groupKind, id, uid string, shard int, forget bool) {
	if kind == channelKind && forget {
		s.store.RemoveUserFromChannel(id, uid, nil)
	}
	if rec, ok := s.users[uid]; ok {
		delete(rec.memberships(kind), id)
	}
	groups := s.groups(kind)
	g, ok := groups[id]
	if !ok {
		return
	}
	if _, member := g.members[uid]; !member {
		return
	}
	delete(g.members, uid)
	for _, other := range s.memberShards(g, uid, shard) {
		s.notify(other, membershipFrame(kind, false, id, uid, shard))
	}
	if len(g.members) == 0 && (kind == channelKind || len(g.attrs) == 0) {
		delete(groups, id)
	}
}

// dropMemberships removes a departing user from every routing table and
// tells the shards that still have members to forget it.
func (s *Server) dropMemberships(rec *userRecord, shard int) {
	notify := make(map[int]struct{})
	for _, kind := range []groupKind{channelKind, roomKind} {
		groups := s.groups(kind)
		for id := range rec.memberships(kind) {
			g, ok := groups[id]
			if !ok {
				continue
			}
			delete(g.members, rec.id)
			for _, other := range s.memberShards(g, rec.id, shard) {
				notify[other] = struct{}{}
			}
			if len(g.members) == 0 && (kind == channelKind || len(g.attrs) == 0) {
				delete(groups, id)
			}
		}
		clear(rec.memberships(kind))
	}
	for other := range notify {
		s.notify(other, &protocol.Message{Type: protocol.TypeLogout, User: rec.id, Shard: shard})
	}
}

// publishChannel fans a channel message out to every shard with online
// members other than the origin. Stored subscriptions of online users are
// already in the routing table: they are restored at login.
func (s *Server) publishChannel(m *protocol.Message, origin int) {
	s.stats.ChannelMessages.Add(1)
	g, ok := s.channels[m.Channel]
	if !ok {
		return
	}
	s.fanout(g, m, origin)
}

func (s *Server) publishRoom(m *protocol.Message, origin int) {
	s.stats.ChannelMessages.Add(1)
	g, ok := s.rooms[m.Room]
	if !ok {
		return
	}
	s.fanout(g, m, origin)
}

func (s *Server) fanout(g *groupRecord, m *protocol.Message, origin int) {
	out := m.Clone()
	out.Shard = 0
	for _, shard := range s.memberShards(g, "", origin) {
		s.notify(shard, out)
	}
	monitoring.RecordRoute(monitoring.RouteFanout)
}

// kick removes the target from the room and tells it so.
func (s *Server) kick(m *protocol.Message) {
	rec, ok := s.users[m.User]
	if !ok || !rec.online {
		if ok {
			delete(rec.rooms, m.Room)
		}
		if g, found := s.rooms[m.Room]; found {
			delete(g.members, m.User)
		}
		return
	}
	s.leaveGroup(roomKind, m.Room, m.User, rec.shard, false)
	out := m.Clone()
	out.Shard = 0
	s.notify(rec.shard, out)
}

// setAttr stores a room attribute and shows it to the other shards.
func (s *Server) setAttr(m *protocol.Message, origin int) {
	g, ok := s.rooms[m.Room]
	if !ok {
		return
	}
	if m.Value == "" {
		delete(g.attrs, m.Key)
	} else {
		g.attrs[m.Key] = m.Value
	}
	out := m.Clone()
	out.Shard = 0
	for _, shard := range s.memberShards(g, "", origin) {
		s.notify(shard, out)
	}
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
