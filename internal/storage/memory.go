package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/adred-codev/comet/internal/config"
	"github.com/adred-codev/comet/internal/monitoring"
)

// Memory keeps backlogs in process. It can dump itself to a JSON snapshot
// on Close and reload it at startup.
type Memory struct {
	opts Options
	now  func() time.Time

	mu       sync.Mutex
	users    map[string]*userQueue
	channels map[string]map[string]struct{}

	snapshotPath string
}

type userQueue struct {
	Entries []Entry `json:"entries"`
	MaxSeq  int64   `json:"max_seq"`
	Ack     int64   `json:"ack"`
}

type snapshot struct {
	Users    map[string]*userQueue `json:"users"`
	Channels map[string][]string   `json:"channels"`
}

func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:     opts.withDefaults(),
		now:      time.Now,
		users:    make(map[string]*userQueue),
		channels: make(map[string]map[string]struct{}),
	}
}

func (m *Memory) queue(uid string) *userQueue {
	q, ok := m.users[uid]
	if !ok {
		q = &userQueue{}
		m.users[uid] = q
	}
	return q
}

// compact drops acked and expired entries.
func (q *userQueue) compact(now time.Time) {
	kept := q.Entries[:0]
	for _, e := range q.Entries {
		if e.Seq > q.Ack && !e.expired(now) {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(q.Entries); i++ {
		q.Entries[i] = Entry{}
	}
	q.Entries = kept
}

func (m *Memory) SaveMessage(ctx context.Context, uid string, seq int64, data []byte, ttl time.Duration) error {
	started := time.Now()
	err := m.save(uid, seq, data, ttl)
	monitoring.ObserveStorageOp("save_message", started, err)
	return err
}

func (m *Memory) save(uid string, seq int64, data []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	q := m.queue(uid)
	if seq > q.MaxSeq {
		q.MaxSeq = seq
	}
	if seq <= q.Ack {
		return nil
	}
	q.compact(now)

	entry := Entry{
		Seq:      seq,
		Data:     append(json.RawMessage(nil), data...),
		ExpireAt: expireAt(now, m.opts.ttl(ttl)),
	}

	i := sort.Search(len(q.Entries), func(i int) bool { return q.Entries[i].Seq >= seq })
	if i < len(q.Entries) && q.Entries[i].Seq == seq {
		if bytes.Equal(q.Entries[i].Data, entry.Data) {
			return nil
		}
		return fmt.Errorf("%w: user %s seq %d", ErrSeqConflict, uid, seq)
	}

	if len(q.Entries) >= m.opts.Capacity {
		if m.opts.Policy == config.OverflowRejectNew {
			monitoring.RecordBacklogOverflow(m.opts.Policy)
			return fmt.Errorf("%w: user %s holds %d messages", ErrBacklogFull, uid, len(q.Entries))
		}
		if i == 0 {
			// Older than everything retained: it would be the one evicted.
			monitoring.RecordBacklogOverflow(m.opts.Policy)
			return nil
		}
		copy(q.Entries, q.Entries[1:])
		q.Entries = q.Entries[:len(q.Entries)-1]
		i--
		monitoring.RecordBacklogOverflow(m.opts.Policy)
	}

	q.Entries = append(q.Entries, Entry{})
	copy(q.Entries[i+1:], q.Entries[i:])
	q.Entries[i] = entry
	return nil
}

func (m *Memory) GetMessages(ctx context.Context, uid string) (MessageIterator, error) {
	started := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.users[uid]
	if !ok {
		monitoring.ObserveStorageOp("get_messages", started, nil)
		return newSliceIterator(nil), nil
	}
	q.compact(m.now())
	entries := make([]Entry, len(q.Entries))
	copy(entries, q.Entries)
	monitoring.ObserveStorageOp("get_messages", started, nil)
	return newSliceIterator(entries), nil
}

func (m *Memory) GetMaxSeq(ctx context.Context, uid string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.users[uid]; ok {
		return q.MaxSeq, nil
	}
	return 0, nil
}

func (m *Memory) UpdateAck(ctx context.Context, uid string, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(uid)
	if seq > q.Ack {
		q.Ack = seq
	}
	if q.Ack > q.MaxSeq {
		q.MaxSeq = q.Ack
	}
	q.compact(m.now())
	return nil
}

func (m *Memory) AddUserToChannel(ctx context.Context, cid, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.channels[cid]
	if !ok {
		members = make(map[string]struct{})
		m.channels[cid] = members
	}
	members[uid] = struct{}{}
	return nil
}

func (m *Memory) RemoveUserFromChannel(ctx context.Context, cid, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if members, ok := m.channels[cid]; ok {
		delete(members, uid)
		if len(members) == 0 {
			delete(m.channels, cid)
		}
	}
	return nil
}

func (m *Memory) GetChannelUsers(ctx context.Context, cid string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.channels[cid]), nil
}

func (m *Memory) GetUserChannels(ctx context.Context, uid string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for cid, members := range m.channels {
		if _, ok := members[uid]; ok {
			out = append(out, cid)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Close writes the snapshot when a snapshot path is configured.
func (m *Memory) Close(ctx context.Context) error {
	if m.snapshotPath == "" {
		return nil
	}
	return m.SaveSnapshot(m.snapshotPath)
}

// Dump writes every live backlog and channel as JSON.
func (m *Memory) Dump(w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	snap := snapshot{
		Users:    make(map[string]*userQueue, len(m.users)),
		Channels: make(map[string][]string, len(m.channels)),
	}
	for uid, q := range m.users {
		q.compact(now)
		snap.Users[uid] = q
	}
	for cid, members := range m.channels {
		snap.Channels[cid] = sortedKeys(members)
	}
	return json.NewEncoder(w).Encode(&snap)
}

// Load replaces the current state with a snapshot written by Dump.
func (m *Memory) Load(r io.Reader) error {
	var snap snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("storage: decode snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.users = make(map[string]*userQueue, len(snap.Users))
	for uid, q := range snap.Users {
		if q == nil {
			continue
		}
		sort.Slice(q.Entries, func(a, b int) bool { return q.Entries[a].Seq < q.Entries[b].Seq })
		m.users[uid] = q
	}
	m.channels = make(map[string]map[string]struct{}, len(snap.Channels))
	for cid, members := range snap.Channels {
		set := make(map[string]struct{}, len(members))
		for _, uid := range members {
			set[uid] = struct{}{}
		}
		m.channels[cid] = set
	}
	return nil
}

// SaveSnapshot dumps to path via a temp file and rename.
func (m *Memory) SaveSnapshot(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("storage: snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("storage: snapshot temp file: %w", err)
	}
	if err := m.Dump(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("storage: snapshot close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("storage: snapshot rename: %w", err)
	}
	m.opts.Logger.Info().Str("path", path).Msg("Memory storage snapshot written")
	return nil
}

// LoadSnapshot loads path if it exists. A missing file is not an error.
func (m *Memory) LoadSnapshot(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("storage: open snapshot: %w", err)
	}
	defer f.Close()
	if err := m.Load(f); err != nil {
		return err
	}
	m.opts.Logger.Info().Str("path", path).Int("users", len(m.users)).Msg("Memory storage snapshot loaded")
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
