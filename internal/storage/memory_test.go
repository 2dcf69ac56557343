package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/adred-codev/comet/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(capacity int, policy string) *Memory {
	return NewMemory(Options{Capacity: capacity, Policy: policy, Logger: zerolog.Nop()})
}

func seqs(t *testing.T, b Backend, uid string) []int64 {
	t.Helper()
	it, err := b.GetMessages(context.Background(), uid)
	require.NoError(t, err)
	entries, err := Collect(it, 0)
	require.NoError(t, err)
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Seq)
	}
	return out
}

func TestMemoryReturnsAscendingOrder(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(10, config.OverflowDropOldest)

	for _, seq := range []int64{3, 1, 2, 5, 4} {
		require.NoError(t, m.SaveMessage(ctx, "u1", seq, []byte(fmt.Sprintf(`{"n":%d}`, seq)), 0))
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seqs(t, m, "u1"))

	max, err := m.GetMaxSeq(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), max)

	it, err := m.GetMessages(ctx, "u1")
	require.NoError(t, err)
	e, ok := it.Next()
	require.True(t, ok)
	assert.JSONEq(t, `{"n":1}`, string(e.Data))
}

func TestMemoryUnknownUser(t *testing.T) {
	m := newTestMemory(10, config.OverflowDropOldest)
	assert.Empty(t, seqs(t, m, "nobody"))
	max, err := m.GetMaxSeq(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, max)
}

func TestMemoryDropOldest(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(3, config.OverflowDropOldest)

	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, m.SaveMessage(ctx, "u1", seq, []byte(`{}`), 0))
	}
	assert.Equal(t, []int64{3, 4, 5}, seqs(t, m, "u1"))

	// Older than everything retained: dropped, max seq untouched.
	require.NoError(t, m.SaveMessage(ctx, "u1", 2, []byte(`{}`), 0))
	assert.Equal(t, []int64{3, 4, 5}, seqs(t, m, "u1"))
	max, _ := m.GetMaxSeq(ctx, "u1")
	assert.Equal(t, int64(5), max)
}

func TestMemoryRejectNew(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(2, config.OverflowRejectNew)

	require.NoError(t, m.SaveMessage(ctx, "u1", 1, []byte(`{}`), 0))
	require.NoError(t, m.SaveMessage(ctx, "u1", 2, []byte(`{}`), 0))
	err := m.SaveMessage(ctx, "u1", 3, []byte(`{}`), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBacklogFull))
	assert.Equal(t, []int64{1, 2}, seqs(t, m, "u1"))

	// Acking frees room.
	require.NoError(t, m.UpdateAck(ctx, "u1", 1))
	require.NoError(t, m.SaveMessage(ctx, "u1", 3, []byte(`{}`), 0))
	assert.Equal(t, []int64{2, 3}, seqs(t, m, "u1"))
}

func TestMemoryAckTrimsAndRaisesMaxSeq(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(10, config.OverflowDropOldest)

	for seq := int64(1); seq <= 4; seq++ {
		require.NoError(t, m.SaveMessage(ctx, "u1", seq, []byte(`{}`), 0))
	}
	require.NoError(t, m.UpdateAck(ctx, "u1", 2))
	assert.Equal(t, []int64{3, 4}, seqs(t, m, "u1"))

	// A lower ack never moves it backwards.
	require.NoError(t, m.UpdateAck(ctx, "u1", 1))
	assert.Equal(t, []int64{3, 4}, seqs(t, m, "u1"))

	// Saving an acked seq is a no-op.
	require.NoError(t, m.SaveMessage(ctx, "u1", 2, []byte(`{}`), 0))
	assert.Equal(t, []int64{3, 4}, seqs(t, m, "u1"))

	require.NoError(t, m.UpdateAck(ctx, "u2", 7))
	max, _ := m.GetMaxSeq(ctx, "u2")
	assert.Equal(t, int64(7), max)
}

func TestMemoryTTL(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(10, config.OverflowDropOldest)
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	require.NoError(t, m.SaveMessage(ctx, "u1", 1, []byte(`{}`), time.Minute))
	require.NoError(t, m.SaveMessage(ctx, "u1", 2, []byte(`{}`), 0))
	assert.Equal(t, []int64{1, 2}, seqs(t, m, "u1"))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, []int64{2}, seqs(t, m, "u1"))
}

func TestMemoryIteratorIsOneShot(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(10, config.OverflowDropOldest)
	require.NoError(t, m.SaveMessage(ctx, "u1", 1, []byte(`{}`), 0))

	it, err := m.GetMessages(ctx, "u1")
	require.NoError(t, err)

	// Later writes do not show up in an iterator already handed out.
	require.NoError(t, m.SaveMessage(ctx, "u1", 2, []byte(`{}`), 0))

	_, ok := it.Next()
	assert.True(t, ok)
	_, ok = it.Next()
	assert.False(t, ok)
	_, ok = it.Next()
	assert.False(t, ok)
	assert.NoError(t, it.Close())
	assert.NoError(t, it.Close())
}

func TestCollectLimit(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(10, config.OverflowDropOldest)
	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, m.SaveMessage(ctx, "u1", seq, []byte(`{}`), 0))
	}
	it, err := m.GetMessages(ctx, "u1")
	require.NoError(t, err)
	entries, err := Collect(it, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[1].Seq)
}

func TestMemoryChannels(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(10, config.OverflowDropOldest)

	require.NoError(t, m.AddUserToChannel(ctx, "c1", "bob"))
	require.NoError(t, m.AddUserToChannel(ctx, "c1", "alice"))
	require.NoError(t, m.AddUserToChannel(ctx, "c1", "alice"))

	users, err := m.GetChannelUsers(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)

	require.NoError(t, m.RemoveUserFromChannel(ctx, "c1", "bob"))
	require.NoError(t, m.RemoveUserFromChannel(ctx, "c1", "bob"))
	users, _ = m.GetChannelUsers(ctx, "c1")
	assert.Equal(t, []string{"alice"}, users)

	users, _ = m.GetChannelUsers(ctx, "missing")
	assert.Empty(t, users)
}

func TestMemorySnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(10, config.OverflowDropOldest)
	require.NoError(t, m.SaveMessage(ctx, "u1", 1, []byte(`{"a":1}`), 0))
	require.NoError(t, m.SaveMessage(ctx, "u1", 2, []byte(`{"a":2}`), 0))
	require.NoError(t, m.UpdateAck(ctx, "u1", 1))
	require.NoError(t, m.AddUserToChannel(ctx, "c1", "u1"))

	var buf bytes.Buffer
	require.NoError(t, m.Dump(&buf))

	restored := newTestMemory(10, config.OverflowDropOldest)
	require.NoError(t, restored.Load(&buf))
	assert.Equal(t, []int64{2}, seqs(t, restored, "u1"))
	max, _ := restored.GetMaxSeq(ctx, "u1")
	assert.Equal(t, int64(2), max)
	users, _ := restored.GetChannelUsers(ctx, "c1")
	assert.Equal(t, []string{"u1"}, users)
}

func TestMemorySnapshotFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "comet.json")

	m := newTestMemory(10, config.OverflowDropOldest)
	require.NoError(t, m.LoadSnapshot(path), "missing snapshot is not an error")
	m.snapshotPath = path
	require.NoError(t, m.SaveMessage(ctx, "u1", 1, []byte(`{}`), 0))
	require.NoError(t, m.Close(ctx))

	restored := newTestMemory(10, config.OverflowDropOldest)
	require.NoError(t, restored.LoadSnapshot(path))
	assert.Equal(t, []int64{1}, seqs(t, restored, "u1"))
}
