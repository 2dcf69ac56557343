package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/adred-codev/comet/internal/config"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns every backend reachable from this environment. Redis
// and Mongo join when REDIS_ADDR / MONGO_URI are set.
func backends(t *testing.T, opts Options) map[string]Backend {
	t.Helper()
	ctx := context.Background()
	out := map[string]Backend{"memory": NewMemory(opts)}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		r, err := NewRedis(ctx, RedisOptions{Options: opts, Addr: addr, Prefix: "comet-test-" + uuid.NewString()})
		require.NoError(t, err)
		t.Cleanup(func() { r.Close(ctx) })
		out["redis"] = r
	}
	if uri := os.Getenv("MONGO_URI"); uri != "" {
		m, err := NewMongo(ctx, MongoOptions{Options: opts, URI: uri, Database: "comet_test_" + uuid.NewString()[:8]})
		require.NoError(t, err)
		t.Cleanup(func() {
			m.client.Database(m.opts.Database).Drop(ctx)
			m.Close(ctx)
		})
		out["mongo"] = m
	}
	return out
}

func TestBackendContract(t *testing.T) {
	opts := Options{Capacity: 3, Policy: config.OverflowDropOldest, Logger: zerolog.Nop()}
	for name, b := range backends(t, opts) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for seq := int64(1); seq <= 4; seq++ {
				require.NoError(t, b.SaveMessage(ctx, "u1", seq, []byte(`{"type":"msg"}`), 0))
			}
			assert.Equal(t, []int64{2, 3, 4}, seqs(t, b, "u1"))

			max, err := b.GetMaxSeq(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, int64(4), max)

			require.NoError(t, b.UpdateAck(ctx, "u1", 3))
			assert.Equal(t, []int64{4}, seqs(t, b, "u1"))

			require.NoError(t, b.AddUserToChannel(ctx, "c1", "u1"))
			users, err := b.GetChannelUsers(ctx, "c1")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"u1"}, users)
			require.NoError(t, b.RemoveUserFromChannel(ctx, "c1", "u1"))
			users, err = b.GetChannelUsers(ctx, "c1")
			require.NoError(t, err)
			assert.Empty(t, users)
		})
	}
}

func TestBackendRejectNew(t *testing.T) {
	opts := Options{Capacity: 1, Policy: config.OverflowRejectNew, DefaultTTL: time.Hour, Logger: zerolog.Nop()}
	for name, b := range backends(t, opts) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.SaveMessage(ctx, "u1", 1, []byte(`{}`), 0))
			err := b.SaveMessage(ctx, "u1", 2, []byte(`{}`), 0)
			assert.True(t, errors.Is(err, ErrBacklogFull))
			assert.Equal(t, []int64{1}, seqs(t, b, "u1"))
		})
	}
}

func TestBackendRefusesSeqOverwrite(t *testing.T) {
	opts := Options{Capacity: 10, Policy: config.OverflowDropOldest, DefaultTTL: time.Hour, Logger: zerolog.Nop()}
	for name, b := range backends(t, opts) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.SaveMessage(ctx, "u1", 1, []byte(`{"body":"a"}`), 0))
			require.NoError(t, b.SaveMessage(ctx, "u1", 2, []byte(`{"body":"b"}`), 0))

			assert.NoError(t, b.SaveMessage(ctx, "u1", 2, []byte(`{"body":"b"}`), 0), "repeating a save is harmless")
			err := b.SaveMessage(ctx, "u1", 2, []byte(`{"body":"new"}`), 0)
			assert.ErrorIs(t, err, ErrSeqConflict)

			stored, err := Backlog(ctx, b, "u1")
			require.NoError(t, err)
			require.Len(t, stored, 2)
			assert.JSONEq(t, `{"body":"b"}`, string(stored[1]))
		})
	}
}

func TestBackendDropOldestDropsStaleIncoming(t *testing.T) {
	opts := Options{Capacity: 2, Policy: config.OverflowDropOldest, Logger: zerolog.Nop()}
	for name, b := range backends(t, opts) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.SaveMessage(ctx, "u1", 5, []byte(`{}`), 0))
			require.NoError(t, b.SaveMessage(ctx, "u1", 6, []byte(`{}`), 0))

			// Older than everything retained: it is the entry that goes.
			require.NoError(t, b.SaveMessage(ctx, "u1", 3, []byte(`{}`), 0))
			assert.Equal(t, []int64{5, 6}, seqs(t, b, "u1"))

			require.NoError(t, b.SaveMessage(ctx, "u1", 7, []byte(`{}`), 0))
			assert.Equal(t, []int64{6, 7}, seqs(t, b, "u1"))
		})
	}
}

func TestBackendUserChannels(t *testing.T) {
	opts := Options{Capacity: 10, Logger: zerolog.Nop()}
	for name, b := range backends(t, opts) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.AddUserToChannel(ctx, "c2", "u1"))
			require.NoError(t, b.AddUserToChannel(ctx, "c1", "u1"))
			require.NoError(t, b.AddUserToChannel(ctx, "c1", "u2"))

			cids, err := b.GetUserChannels(ctx, "u1")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"c1", "c2"}, cids)

			require.NoError(t, b.RemoveUserFromChannel(ctx, "c1", "u1"))
			cids, err = b.GetUserChannels(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, []string{"c2"}, cids)

			cids, err = b.GetUserChannels(ctx, "nobody")
			require.NoError(t, err)
			assert.Empty(t, cids)
		})
	}
}
