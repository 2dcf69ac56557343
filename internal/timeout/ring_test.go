package timeout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSilentEntryExpiresOnceAfterSlotCountTicks(t *testing.T) {
	r := New[string](5)
	r.Add("u1")

	evictions := 0
	for tick := 1; tick <= 20; tick++ {
		expired := r.Tick()
		if len(expired) > 0 {
			require.Equal(t, []string{"u1"}, expired)
			assert.Equal(t, 5, tick, "expires on the slot_count-th tick")
			evictions++
		}
	}
	assert.Equal(t, 1, evictions)
	assert.False(t, r.Contains("u1"))
}

func TestActiveEntryNeverExpires(t *testing.T) {
	r := New[string](3)
	r.Add("active")
	r.Add("idle")

	var idleExpiredAt int
	for tick := 1; tick <= 50; tick++ {
		require.True(t, r.Touch("active"))
		for _, k := range r.Tick() {
			require.NotEqual(t, "active", k)
			idleExpiredAt = tick
		}
	}
	assert.Equal(t, 3, idleExpiredAt)
	assert.True(t, r.Contains("active"))
	assert.Equal(t, 1, r.Len())
}

func TestHeartbeatModeRequeue(t *testing.T) {
	r := New[string](4)
	r.Add("u1")

	var beats []int
	for tick := 1; tick <= 12; tick++ {
		for _, k := range r.Tick() {
			beats = append(beats, tick)
			r.Add(k)
		}
	}
	assert.Equal(t, []int{4, 8, 12}, beats)
}

func TestTickPreservesInsertionOrder(t *testing.T) {
	r := New[int](2)
	for i := 0; i < 5; i++ {
		r.Add(i)
	}
	assert.Empty(t, r.Tick())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, r.Tick())
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := New[string](3)
	r.Add("a")
	r.Add("b")
	r.Add("c")

	assert.True(t, r.Remove("b"))
	assert.False(t, r.Remove("b"))
	assert.False(t, r.Touch("b"))

	var all []string
	for i := 0; i < 3; i++ {
		all = append(all, r.Tick()...)
	}
	assert.Equal(t, []string{"a", "c"}, all)
}

func TestArenaReusesFreedNodes(t *testing.T) {
	r := New[int](2)
	for round := 0; round < 10; round++ {
		for i := 0; i < 100; i++ {
			r.Add(i)
		}
		for i := 0; i < 100; i++ {
			r.Remove(i)
		}
	}
	assert.LessOrEqual(t, len(r.nodes), 100)
	assert.Equal(t, 0, r.Len())
}

func TestSlotCount(t *testing.T) {
	assert.Equal(t, 1800, SlotCount(30*time.Minute, time.Second))
	assert.Equal(t, 2, SlotCount(time.Second, time.Second))
	assert.Equal(t, 2, New[string](0).Slots())
}
