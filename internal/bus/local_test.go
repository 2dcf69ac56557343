package bus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBusFanOutInOrder(t *testing.T) {
	b := NewLocalBus(zerolog.Nop())
	defer b.Close()

	var mu sync.Mutex
	got := map[string][]string{}
	for _, name := range []string{"a", "b"} {
		name := name
		_, err := b.Subscribe(ShardSubject(1), func(data []byte) {
			mu.Lock()
			got[name] = append(got[name], string(data))
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	for _, s := range []string{"1", "2", "3"} {
		require.NoError(t, b.Publish(ShardSubject(1), []byte(s)))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got["a"]) == 3 && len(got["b"]) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"1", "2", "3"}, got["a"])
	assert.Equal(t, []string{"1", "2", "3"}, got["b"])
	mu.Unlock()
}

func TestLocalBusPublishNeverBlocksOnSlowHandler(t *testing.T) {
	b := NewLocalBus(zerolog.Nop())
	defer b.Close()

	release := make(chan struct{})
	var count sync.WaitGroup
	count.Add(1000)
	_, err := b.Subscribe(RouterSubject, func([]byte) {
		<-release
		count.Done()
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(RouterSubject, []byte("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked behind a slow handler")
	}
	close(release)
	count.Wait()
}

func TestLocalBusNoSubscribers(t *testing.T) {
	b := NewLocalBus(zerolog.Nop())
	err := b.Publish(ShardSubject(7), []byte("x"))
	assert.True(t, errors.Is(err, ErrNoSubscribers))

	sub, err := b.Subscribe(ShardSubject(7), func([]byte) {})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ShardSubject(7), []byte("x")))
	require.NoError(t, sub.Unsubscribe())
	assert.True(t, errors.Is(b.Publish(ShardSubject(7), []byte("x")), ErrNoSubscribers))

	require.NoError(t, b.Close())
	assert.True(t, errors.Is(b.Publish(ShardSubject(7), []byte("x")), ErrClosed))
	_, err = b.Subscribe(RouterSubject, func([]byte) {})
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestLocalBusHandlerPanicDoesNotKillSubscription(t *testing.T) {
	b := NewLocalBus(zerolog.Nop())
	defer b.Close()

	got := make(chan string, 2)
	_, err := b.Subscribe(RouterSubject, func(data []byte) {
		if string(data) == "boom" {
			panic("handler failed")
		}
		got <- string(data)
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(RouterSubject, []byte("boom")))
	require.NoError(t, b.Publish(RouterSubject, []byte("ok")))

	select {
	case s := <-got:
		assert.Equal(t, "ok", s)
	case <-time.After(time.Second):
		t.Fatal("subscription stopped after a handler panic")
	}
}

func TestShardSubject(t *testing.T) {
	assert.Equal(t, "comet.shard.0", ShardSubject(0))
	assert.Equal(t, "comet.shard.12", ShardSubject(12))
}
