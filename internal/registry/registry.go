// Package registry holds a shard's users, channels and rooms.
//
// A Registry is owned by one loop and is not safe for concurrent use.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/adred-codev/comet/internal/protocol"
	"github.com/adred-codev/comet/internal/session"
	"github.com/adred-codev/comet/internal/timeout"
	"github.com/eapache/queue"
)

var (
	ErrAlreadyConnected = errors.New("registry: user already connected")
	ErrUserNotFound     = errors.New("registry: user not found")
)

// UserType is how a client consumes its connection.
type UserType int

const (
	// Stream connections stay open across deliveries.
	Stream UserType = iota
	// Polling connections close after one delivery.
	Polling
)

func (t UserType) String() string {
	if t == Polling {
		return "polling"
	}
	return "stream"
}

// ParseUserType accepts "stream" (or empty) and "polling".
func ParseUserType(s string) (UserType, error) {
	switch s {
	case "", "stream":
		return Stream, nil
	case "polling":
		return Polling, nil
	}
	return Stream, fmt.Errorf("registry: unknown connection type %q", s)
}

// User is a locally connected client.
type User struct {
	ID          string
	Type        UserType
	ShardID     int
	Session     session.Session
	ConnectedAt time.Time

	MaxSeq    int64
	LastAck   int64
	Delivered int64 // frames handed to the session
	// Primed is set once the router has reported the stored max seq. Until
	// then new messages wait in pending so seqs never collide with stored
	// ones.
	Primed bool

	Channels map[string]struct{}
	Rooms    map[string]struct{}

	pending *queue.Queue
}

// NextSeq assigns the next sequence number.
func (u *User) NextSeq() int64 {
	u.MaxSeq++
	return u.MaxSeq
}

// Ack raises LastAck, never past MaxSeq, and returns the new value.
func (u *User) Ack(seq int64) int64 {
	if seq > u.MaxSeq {
		seq = u.MaxSeq
	}
	if seq > u.LastAck {
		u.LastAck = seq
	}
	return u.LastAck
}

// Prime applies the router's view of the stored counters.
func (u *User) Prime(maxSeq, lastAck int64) {
	if maxSeq > u.MaxSeq {
		u.MaxSeq = maxSeq
	}
	u.Ack(lastAck)
	u.Primed = true
}

// Hold parks a message until the user is primed.
func (u *User) Hold(m *protocol.Message) {
	if u.pending == nil {
		u.pending = queue.New()
	}
	u.pending.Add(m)
}

// TakePending returns and clears held messages in arrival order.
func (u *User) TakePending() []*protocol.Message {
	if u.pending == nil || u.pending.Length() == 0 {
		return nil
	}
	out := make([]*protocol.Message, 0, u.pending.Length())
	for u.pending.Length() > 0 {
		out = append(out, u.pending.Remove().(*protocol.Message))
	}
	return out
}

// GroupKind tells channels and rooms apart.
type GroupKind int

const (
	KindChannel GroupKind = iota
	KindRoom
)

func (k GroupKind) String() string {
	if k == KindRoom {
		return "room"
	}
	return "channel"
}

// Group is a channel or room as seen from one shard: members connected
// here plus annotations of members connected to other shards.
type Group struct {
	ID     string
	Kind   GroupKind
	Local  map[string]*User
	Remote map[string]int
	Attrs  map[string]string
}

func newGroup(kind GroupKind, id string) *Group {
	return &Group{
		ID:     id,
		Kind:   kind,
		Local:  make(map[string]*User),
		Remote: make(map[string]int),
		Attrs:  make(map[string]string),
	}
}

func (g *Group) Empty() bool {
	return len(g.Local) == 0 && len(g.Remote) == 0
}

// LocalMembers returns local members sorted by id, minus exclude.
func (g *Group) LocalMembers(exclude string) []*User {
	out := make([]*User, 0, len(g.Local))
	for uid, u := range g.Local {
		if uid != exclude {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// RemoteShards returns the distinct shards hosting remote members.
func (g *Group) RemoteShards() []int {
	seen := make(map[int]struct{}, len(g.Remote))
	var out []int
	for _, shard := range g.Remote {
		if _, ok := seen[shard]; !ok {
			seen[shard] = struct{}{}
			out = append(out, shard)
		}
	}
	sort.Ints(out)
	return out
}

// Members returns every member id, sorted.
func (g *Group) Members() []string {
	out := make([]string, 0, len(g.Local)+len(g.Remote))
	for uid := range g.Local {
		out = append(out, uid)
	}
	for uid := range g.Remote {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

// Has reports whether uid is a local or remote member.
func (g *Group) Has(uid string) bool {
	if _, ok := g.Local[uid]; ok {
		return true
	}
	_, ok := g.Remote[uid]
	return ok
}

// RoomState is the admin view of a room.
type RoomState struct {
	ID      string            `json:"rid"`
	Members []string          `json:"members"`
	Attrs   map[string]string `json:"attrs"`
}

// Registry is a shard's membership state plus its idle ring.
type Registry struct {
	shardID  int
	users    map[string]*User
	channels map[string]*Group
	rooms    map[string]*Group
	ring     *timeout.Ring[string]
	now      func() time.Time
}

func New(shardID int, ring *timeout.Ring[string]) *Registry {
	return &Registry{
		shardID:  shardID,
		users:    make(map[string]*User),
		channels: make(map[string]*Group),
		rooms:    make(map[string]*Group),
		ring:     ring,
		now:      time.Now,
	}
}

// Connect registers a new live user and arms its idle timer.
func (r *Registry) Connect(uid string, typ UserType, s session.Session) (*User, error) {
	if _, ok := r.users[uid]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyConnected, uid)
	}
	u := &User{
		ID:          uid,
		Type:        typ,
		ShardID:     r.shardID,
		Session:     s,
		ConnectedAt: r.now(),
		Channels:    make(map[string]struct{}),
		Rooms:       make(map[string]struct{}),
	}
	r.users[uid] = u
	r.ring.Add(uid)
	return u, nil
}

// Connected reports whether uid has a live session here.
func (r *Registry) Connected(uid string) bool {
	_, ok := r.users[uid]
	return ok
}

func (r *Registry) Lookup(uid string) (*User, bool) {
	u, ok := r.users[uid]
	return u, ok
}

// Disconnect removes uid if s is its current session (nil matches any)
// and drops it from the ring and every group. Removing an unknown user
// or a stale session is a no-op.
func (r *Registry) Disconnect(uid string, s session.Session) (*User, bool) {
	u, ok := r.users[uid]
	if !ok || (s != nil && u.Session != s) {
		return nil, false
	}
	delete(r.users, uid)
	r.ring.Remove(uid)
	for cid := range u.Channels {
		r.leave(r.channels, cid, uid)
	}
	for rid := range u.Rooms {
		r.leave(r.rooms, rid, uid)
	}
	return u, true
}

// Touch moves uid to the tail of the idle ring.
func (r *Registry) Touch(uid string) {
	r.ring.Touch(uid)
}

// Expire advances the idle ring one tick and returns the users whose
// timers ran out. They are no longer in the ring.
func (r *Registry) Expire() []*User {
	var out []*User
	for _, uid := range r.ring.Tick() {
		if u, ok := r.users[uid]; ok {
			out = append(out, u)
		}
	}
	return out
}

// Rearm puts uid back at the tail of the ring.
func (r *Registry) Rearm(uid string) {
	if _, ok := r.users[uid]; ok {
		r.ring.Add(uid)
	}
}

func (r *Registry) Len() int {
	return len(r.users)
}

// Users returns every connected user sorted by id.
func (r *Registry) Users() []*User {
	out := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (r *Registry) groups(kind GroupKind) map[string]*Group {
	if kind == KindRoom {
		return r.rooms
	}
	return r.channels
}

// Group returns the channel or room, if any member is known here.
func (r *Registry) Group(kind GroupKind, id string) (*Group, bool) {
	g, ok := r.groups(kind)[id]
	return g, ok
}

// Join adds a local user to a channel or room, creating it on first join.
// It reports whether the user was newly added.
func (r *Registry) Join(kind GroupKind, id, uid string) (*Group, bool, error) {
	u, ok := r.users[uid]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUserNotFound, uid)
	}
	groups := r.groups(kind)
	g, ok := groups[id]
	if !ok {
		g = newGroup(kind, id)
		groups[id] = g
	}
	_, already := g.Local[uid]
	g.Local[uid] = u
	delete(g.Remote, uid)
	if kind == KindRoom {
		u.Rooms[id] = struct{}{}
	} else {
		u.Channels[id] = struct{}{}
	}
	return g, !already, nil
}

// Leave removes a local user from a channel or room, deleting the group
// once it is empty. It reports whether the user was a member.
func (r *Registry) Leave(kind GroupKind, id, uid string) bool {
	if u, ok := r.users[uid]; ok {
		if kind == KindRoom {
			delete(u.Rooms, id)
		} else {
			delete(u.Channels, id)
		}
	}
	return r.leave(r.groups(kind), id, uid)
}

func (r *Registry) leave(groups map[string]*Group, id, uid string) bool {
	g, ok := groups[id]
	if !ok {
		return false
	}
	_, member := g.Local[uid]
	delete(g.Local, uid)
	if g.Empty() {
		delete(groups, id)
	}
	return member
}

// AddRemote records that uid, connected to shard, is a member.
// Annotations about this shard's own users are ignored.
func (r *Registry) AddRemote(kind GroupKind, id, uid string, shard int) {
	if shard == r.shardID {
		return
	}
	groups := r.groups(kind)
	g, ok := groups[id]
	if !ok {
		g = newGroup(kind, id)
		groups[id] = g
	}
	if _, local := g.Local[uid]; local {
		return
	}
	g.Remote[uid] = shard
}

// RemoveRemote drops a remote annotation.
func (r *Registry) RemoveRemote(kind GroupKind, id, uid string) {
	groups := r.groups(kind)
	g, ok := groups[id]
	if !ok {
		return
	}
	delete(g.Remote, uid)
	if g.Empty() {
		delete(groups, id)
	}
}

// ForgetRemoteUser drops uid from every group's remote annotations.
func (r *Registry) ForgetRemoteUser(uid string) {
	for _, groups := range []map[string]*Group{r.channels, r.rooms} {
		for id, g := range groups {
			if _, ok := g.Remote[uid]; ok {
				delete(g.Remote, uid)
				if g.Empty() {
					delete(groups, id)
				}
			}
		}
	}
}

// SetAttr sets a room attribute. The room must exist here.
func (r *Registry) SetAttr(rid, key, value string) bool {
	g, ok := r.rooms[rid]
	if !ok {
		return false
	}
	if value == "" {
		delete(g.Attrs, key)
	} else {
		g.Attrs[key] = value
	}
	return true
}

// RoomState returns members and attributes of rid.
func (r *Registry) RoomState(rid string) (RoomState, bool) {
	g, ok := r.rooms[rid]
	if !ok {
		return RoomState{ID: rid, Members: []string{}, Attrs: map[string]string{}}, false
	}
	attrs := make(map[string]string, len(g.Attrs))
	for k, v := range g.Attrs {
		attrs[k] = v
	}
	return RoomState{ID: rid, Members: g.Members(), Attrs: attrs}, true
}

// Counts returns the number of channels and rooms known here.
func (r *Registry) Counts() (channels, rooms int) {
	return len(r.channels), len(r.rooms)
}
