// Package storage holds per-user message backlogs, ack/seq bookkeeping and
// persisted channel membership.
//
// Backends are blocking and safe for concurrent use. Loop code never calls
// them directly; it goes through Async, which runs each call on the
// executor and delivers the result back on the loop.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adred-codev/comet/internal/config"
	"github.com/rs/zerolog"
)

// ErrBacklogFull is returned by SaveMessage under the reject_new policy.
var ErrBacklogFull = errors.New("storage: backlog full")

// ErrSeqConflict is returned by SaveMessage when seq is already stored with
// different content. The stored entry is kept.
var ErrSeqConflict = errors.New("storage: seq already stored")

// Entry is one persisted message. Data is the encoded wire message.
type Entry struct {
	Seq      int64           `json:"seq"`
	Data     json.RawMessage `json:"data"`
	ExpireAt int64           `json:"expire_at,omitempty"` // unix seconds, 0 = never
}

func (e Entry) expired(now time.Time) bool {
	return e.ExpireAt > 0 && now.Unix() >= e.ExpireAt
}

func expireAt(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).Unix()
}

// MessageIterator yields a user's unacked backlog in ascending seq order.
// It is lazy, finite and one-shot: once Next has returned false it stays
// false. Close releases backend resources and is safe to call twice.
type MessageIterator interface {
	Next() (Entry, bool)
	Err() error
	Close() error
}

// Backend is the storage collaborator contract.
type Backend interface {
	SaveMessage(ctx context.Context, uid string, seq int64, data []byte, ttl time.Duration) error
	GetMessages(ctx context.Context, uid string) (MessageIterator, error)
	GetMaxSeq(ctx context.Context, uid string) (int64, error)
	UpdateAck(ctx context.Context, uid string, seq int64) error

	AddUserToChannel(ctx context.Context, cid, uid string) error
	RemoveUserFromChannel(ctx context.Context, cid, uid string) error
	GetChannelUsers(ctx context.Context, cid string) ([]string, error)
	GetUserChannels(ctx context.Context, uid string) ([]string, error)

	Close(ctx context.Context) error
}

// Options shared by every backend.
type Options struct {
	Capacity   int           // max unacked entries per user
	Policy     string        // config.OverflowDropOldest or config.OverflowRejectNew
	DefaultTTL time.Duration // applied when SaveMessage gets ttl == 0
	Logger     zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = 100
	}
	if o.Policy == "" {
		o.Policy = config.OverflowDropOldest
	}
	return o
}

func (o Options) ttl(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return o.DefaultTTL
}

// Open builds the backend selected by cfg.StorageBackend.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (Backend, error) {
	opts := Options{
		Capacity:   cfg.BacklogCapacity,
		Policy:     cfg.OverflowPolicy,
		DefaultTTL: cfg.DefaultTTL,
		Logger:     logger,
	}

	switch cfg.StorageBackend {
	case config.StorageMemory:
		m := NewMemory(opts)
		if cfg.SnapshotPath != "" {
			if err := m.LoadSnapshot(cfg.SnapshotPath); err != nil {
				return nil, err
			}
			m.snapshotPath = cfg.SnapshotPath
		}
		return m, nil
	case config.StorageRedis:
		return NewRedis(ctx, RedisOptions{
			Options:  opts,
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	case config.StorageMongo:
		return NewMongo(ctx, MongoOptions{
			Options:  opts,
			URI:      cfg.MongoURI,
			Database: cfg.MongoDatabase,
		})
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.StorageBackend)
	}
}

// Collect drains up to limit entries (limit <= 0 means all) and closes it.
func Collect(it MessageIterator, limit int) ([]Entry, error) {
	defer it.Close()

	var out []Entry
	for limit <= 0 || len(out) < limit {
		e, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out, it.Err()
}

// Backlog returns the raw stored frames of uid's unacked backlog.
func Backlog(ctx context.Context, b Backend, uid string) ([]json.RawMessage, error) {
	it, err := b.GetMessages(ctx, uid)
	if err != nil {
		return nil, err
	}
	entries, err := Collect(it, 0)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Data)
	}
	return out, nil
}

// sliceIterator walks a private copy of entries.
type sliceIterator struct {
	entries []Entry
	pos     int
	done    bool
}

func newSliceIterator(entries []Entry) *sliceIterator {
	return &sliceIterator{entries: entries}
}

func (it *sliceIterator) Next() (Entry, bool) {
	if it.done || it.pos >= len(it.entries) {
		it.done = true
		return Entry{}, false
	}
	e := it.entries[it.pos]
	it.pos++
	return e, true
}

func (it *sliceIterator) Err() error { return nil }

func (it *sliceIterator) Close() error {
	it.done = true
	it.entries = nil
	return nil
}
