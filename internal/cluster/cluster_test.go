package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adred-codev/comet/internal/bus"
	"github.com/adred-codev/comet/internal/config"
	"github.com/adred-codev/comet/internal/protocol"
	"github.com/adred-codev/comet/internal/storage"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

type testCluster struct {
	*Cluster
	store   *storage.Memory
	clients []*httptest.Server
	admin   *httptest.Server
}

func start(t *testing.T, tweak func(*config.Config)) *testCluster {
	t.Helper()
	cfg := config.Defaults()
	cfg.ShardPeers = []string{"127.0.0.1:9000", "127.0.0.1:9001"}
	cfg.ConnRateLimitEnabled = false
	if tweak != nil {
		tweak(cfg)
	}

	b := bus.NewLocalBus(zerolog.Nop())
	store := storage.NewMemory(storage.Options{Capacity: 10})
	c, err := New(Options{
		Config:  cfg,
		Bus:     b,
		Storage: store,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	require.Len(t, c.Shards, 2)

	tc := &testCluster{Cluster: c, store: store, admin: httptest.NewServer(c.Router.AdminHandler())}
	for _, s := range c.Shards {
		tc.clients = append(tc.clients, httptest.NewServer(s.ClientHandler()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		for _, srv := range tc.clients {
			srv.Close()
		}
		tc.admin.Close()
		b.Close()
	})
	return tc
}

// client is a WebSocket user whose frames are read in the background.
type client struct {
	conn   *websocket.Conn
	frames chan *protocol.Message
}

func (tc *testCluster) connect(t *testing.T, shard int, uid string) *client {
	t.Helper()
	u := "ws" + strings.TrimPrefix(tc.clients[shard].URL, "http") + "/connect?uid=" + uid
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	c := &client{conn: conn, frames: make(chan *protocol.Message, 64)}
	go func() {
		defer close(c.frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m protocol.Message
			if json.Unmarshal(data, &m) == nil && m.Type != protocol.TypeNoop {
				c.frames <- &m
			}
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *client) next(t *testing.T) *protocol.Message {
	t.Helper()
	select {
	case m, ok := <-c.frames:
		require.True(t, ok, "connection closed")
		return m
	case <-time.After(waitFor):
		t.Fatal("no frame received")
		return nil
	}
}

func (c *client) write(t *testing.T, m *protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(m)
	require.NoError(t, err)
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func (tc *testCluster) publish(t *testing.T, m *protocol.Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, tc.Router.Publish(ctx, m))
}

func TestPublishToConnectedUser(t *testing.T) {
	tc := start(t, nil)
	u1 := tc.connect(t, 0, "u1")

	tc.publish(t, &protocol.Message{Type: protocol.TypeMsg, To: "u1", Body: "hello"})
	m := u1.next(t)
	assert.Equal(t, protocol.TypeMsg, m.Type)
	assert.Equal(t, "hello", m.Body)
	assert.Equal(t, int64(1), m.Seq)
}

func TestOfflineBacklogReplayedInOrder(t *testing.T) {
	tc := start(t, nil)
	for _, body := range []string{"a", "b", "c"} {
		tc.publish(t, &protocol.Message{Type: protocol.TypeMsg, To: "u2", Body: body})
	}

	u2 := tc.connect(t, 1, "u2")
	for i, body := range []string{"a", "b", "c"} {
		m := u2.next(t)
		assert.Equal(t, body, m.Body)
		assert.Equal(t, int64(i+1), m.Seq)
	}

	// new messages continue the sequence
	tc.publish(t, &protocol.Message{Type: protocol.TypeMsg, To: "u2", Body: "d"})
	assert.Equal(t, int64(4), u2.next(t).Seq)
}

func TestUserToUserAcrossShards(t *testing.T) {
	tc := start(t, nil)
	a := tc.connect(t, 0, "a")
	b := tc.connect(t, 1, "b")

	tc.waitOnline(t, "b")

	a.write(t, &protocol.Message{Type: protocol.TypeMsg, To: "b", Body: "ping"})
	m := b.next(t)
	assert.Equal(t, "a", m.From)
	assert.Equal(t, "ping", m.Body)
	assert.Equal(t, int64(1), m.Seq)
}

// broadcast keeps sending a cmsg from one client until the other receives
// it. Broadcasts sent before every subscription has reached the router are
// not seen, so a single send is not enough.
func broadcast(t *testing.T, from, to *client, cid, body string) *protocol.Message {
	t.Helper()
	frame, err := protocol.Encode(&protocol.Message{Type: protocol.TypeChannel, Channel: cid, Body: body})
	require.NoError(t, err)
	var got *protocol.Message
	require.Eventually(t, func() bool {
		if from.conn.WriteMessage(websocket.TextMessage, frame) != nil {
			return false
		}
		select {
		case got = <-to.frames:
			return got != nil && got.Type == protocol.TypeChannel && got.Body == body
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, waitFor, time.Millisecond)
	return got
}

func TestChannelBroadcastCrossesShards(t *testing.T) {
	tc := start(t, nil)
	u1 := tc.connect(t, 0, "u1")
	u2 := tc.connect(t, 1, "u2")
	u1.write(t, &protocol.Message{Type: protocol.TypeSub, Channel: "c1"})
	u2.write(t, &protocol.Message{Type: protocol.TypeSub, Channel: "c1"})

	got := broadcast(t, u1, u2, "c1", "x")
	assert.Equal(t, "c1", got.Channel)
	assert.Equal(t, "u1", got.From)

	got = broadcast(t, u2, u1, "c1", "y")
	assert.Equal(t, "c1", got.Channel)
	assert.Equal(t, "u2", got.From)
}

func TestChannelSurvivesReconnect(t *testing.T) {
	tc := start(t, nil)
	u1 := tc.connect(t, 0, "u1")
	u2 := tc.connect(t, 1, "u2")
	u1.write(t, &protocol.Message{Type: protocol.TypeSub, Channel: "c1"})
	u2.write(t, &protocol.Message{Type: protocol.TypeSub, Channel: "c1"})
	broadcast(t, u1, u2, "c1", "before")

	// u1 keeps the channel alive in the router while u2 is away
	require.NoError(t, u2.conn.Close())
	tc.waitPresence(t, "u2", false)
	u2 = tc.connect(t, 1, "u2")

	got := broadcast(t, u1, u2, "c1", "after")
	assert.Equal(t, "u1", got.From)
	got = broadcast(t, u2, u1, "c1", "reply")
	assert.Equal(t, "u2", got.From)
}

func TestSecondShardContinuesSequence(t *testing.T) {
	tc := start(t, func(c *config.Config) { c.ReplayBatchSize = 1 })
	first := tc.connect(t, 0, "u1")
	for i, body := range []string{"a", "b", "c"} {
		tc.publish(t, &protocol.Message{Type: protocol.TypeMsg, To: "u1", Body: body})
		assert.Equal(t, int64(i+1), first.next(t).Seq)
	}
	require.Eventually(t, func() bool {
		stored, err := storage.Backlog(context.Background(), tc.store, "u1")
		return err == nil && len(stored) == 3
	}, waitFor, 10*time.Millisecond)

	// the same uid opens a second connection on the other shard
	second := tc.connect(t, 1, "u1")
	replayed := second.next(t)
	assert.Equal(t, "a", replayed.Body)
	assert.Equal(t, int64(1), replayed.Seq)

	tc.publish(t, &protocol.Message{Type: protocol.TypeMsg, To: "u1", Body: "NEW"})
	m := second.next(t)
	assert.Equal(t, "NEW", m.Body)
	assert.Equal(t, int64(4), m.Seq)

	require.Eventually(t, func() bool {
		stored, err := storage.Backlog(context.Background(), tc.store, "u1")
		return err == nil && len(stored) == 4
	}, waitFor, 10*time.Millisecond)
	stored, err := storage.Backlog(context.Background(), tc.store, "u1")
	require.NoError(t, err)
	var bodies []string
	for _, raw := range stored {
		var sm protocol.Message
		require.NoError(t, json.Unmarshal(raw, &sm))
		bodies = append(bodies, sm.Body)
	}
	assert.Equal(t, []string{"a", "b", "c", "NEW"}, bodies, "no unacked message is replaced")
}

func TestDuplicateConnectRejected(t *testing.T) {
	tc := start(t, nil)
	tc.connect(t, 0, "u1")
	tc.waitOnline(t, "u1")

	u := "ws" + strings.TrimPrefix(tc.clients[0].URL, "http") + "/connect?uid=u1"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestShardAddrs(t *testing.T) {
	cfg := config.Defaults()
	cfg.ShardPeers = []string{"10.0.0.1:9000", "10.0.0.1:9001"}
	cfg.ShardAdminAddr = "127.0.0.1:9100"

	client, admin, err := ShardAddrs(cfg, 1)
	require.NoError(t, err)
	assert.Equal(t, ":9001", client)
	assert.Equal(t, "127.0.0.1:9101", admin)

	_, _, err = ShardAddrs(cfg, 2)
	assert.Error(t, err)

	cfg.ShardPeers = []string{"no-port"}
	_, _, err = ShardAddrs(cfg, 0)
	assert.Error(t, err)
}

// waitOnline blocks until the router has processed uid's login.
func (tc *testCluster) waitOnline(t *testing.T, uid string) {
	t.Helper()
	tc.waitPresence(t, uid, true)
}

func (tc *testCluster) waitPresence(t *testing.T, uid string, online bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(tc.admin.URL + "/presence?uid=" + uid)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var out struct {
			Result struct {
				Online bool `json:"online"`
			} `json:"result"`
		}
		return json.NewDecoder(resp.Body).Decode(&out) == nil && out.Result.Online == online
	}, waitFor, 10*time.Millisecond)
}
