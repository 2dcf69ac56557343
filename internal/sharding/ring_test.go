package sharding

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashIsDeterministic(t *testing.T) {
	a, err := New(4, DefaultVirtualNodes)
	require.NoError(t, err)
	b, err := New(4, DefaultVirtualNodes)
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("user-%d", i)
		assert.Equal(t, a.Hash(key), b.Hash(key))
	}
}

func TestHashSpreadsKeys(t *testing.T) {
	r, err := New(4, DefaultVirtualNodes)
	require.NoError(t, err)

	counts := make([]int, 4)
	for i := 0; i < 10000; i++ {
		shard := r.Hash(fmt.Sprintf("user-%d", i))
		require.GreaterOrEqual(t, shard, 0)
		require.Less(t, shard, 4)
		counts[shard]++
	}
	for shard, n := range counts {
		assert.Greater(t, n, 1000, "shard %d is starved", shard)
	}
}

func TestOverrideWins(t *testing.T) {
	r, err := New(3, 10)
	require.NoError(t, err)

	home := r.Hash("u1")
	other := (home + 1) % 3

	r.Override("u1", other)
	assert.Equal(t, other, r.Locate("u1"))
	assert.Equal(t, home, r.Hash("u1"))

	r.ClearOverride("u1")
	assert.Equal(t, home, r.Locate("u1"))
	_, ok := r.Overridden("u1")
	assert.False(t, ok)
}

func TestSingleShard(t *testing.T) {
	r, err := New(1, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Locate("anything"))

	_, err = New(0, 1)
	assert.Error(t, err)
}
