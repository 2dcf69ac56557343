package shard

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/adred-codev/comet/internal/bus"
	"github.com/adred-codev/comet/internal/config"
	"github.com/adred-codev/comet/internal/protocol"
	"github.com/adred-codev/comet/internal/registry"
	"github.com/adred-codev/comet/internal/sharding"
	"github.com/adred-codev/comet/internal/storage"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// harness runs one shard with a fake router listening on the bus.
type harness struct {
	cfg    *config.Config
	srv    *Server
	bus    *bus.LocalBus
	store  *storage.Memory
	client *httptest.Server
	admin  *httptest.Server
	router chan *protocol.Message
}

func newHarness(t *testing.T, tweak func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Defaults()
	cfg.ConnRateLimitEnabled = false
	if tweak != nil {
		tweak(cfg)
	}

	h := &harness{
		cfg:    cfg,
		bus:    bus.NewLocalBus(zerolog.Nop()),
		store:  storage.NewMemory(storage.Options{Capacity: 10}),
		router: make(chan *protocol.Message, 64),
	}
	_, err := h.bus.Subscribe(bus.RouterSubject, func(data []byte) {
		m, err := protocol.Decode(data)
		if err != nil {
			return
		}
		select {
		case h.router <- m:
		default:
		}
	})
	require.NoError(t, err)

	h.srv, err = New(Options{ID: cfg.ShardID, Config: cfg, Bus: h.bus, Storage: h.store, Logger: zerolog.Nop()})
	require.NoError(t, err)
	h.client = httptest.NewServer(h.srv.ClientHandler())
	h.admin = httptest.NewServer(h.srv.AdminHandler())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.srv.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
		h.client.Close()
		h.admin.Close()
		h.bus.Close()
	})
	return h
}

// expect returns the next router-bound message of type typ, skipping others.
func (h *harness) expect(t *testing.T, typ protocol.Type) *protocol.Message {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case m := <-h.router:
			if m.Type == typ {
				return m
			}
		case <-deadline:
			t.Fatalf("router never received %s", typ)
			return nil
		}
	}
}

// reply publishes m to the shard as the router would.
func (h *harness) reply(t *testing.T, m *protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(m)
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(bus.ShardSubject(h.srv.ID()), data))
}

// onLoop runs fn on the shard's loop and waits for it.
func (h *harness) onLoop(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, h.srv.loop.Call(context.Background(), fn))
}

func (h *harness) dial(t *testing.T, uid string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(h.client.URL, "http") + "/connect?uid=" + uid
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	login := h.expect(t, protocol.TypeLogin)
	require.Equal(t, uid, login.User)
	return c
}

func (h *harness) publish(t *testing.T, query, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(h.admin.URL+"/pub?"+query, "text/plain", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func read(t *testing.T, c *websocket.Conn) *protocol.Message {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(waitFor))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var m protocol.Message
	require.NoError(t, json.Unmarshal(data, &m))
	return &m
}

func write(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func lines(body io.Reader) <-chan string {
	out := make(chan string, 16)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(body)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	return out
}

func TestMessagesWaitForLoginReply(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t, "u1")

	resp := h.publish(t, "to=u1&from=admin", "hello")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	h.reply(t, &protocol.Message{Type: protocol.TypeLogin, User: "u1", Seq: 4, Ack: 2})

	m := read(t, c)
	assert.Equal(t, protocol.TypeMsg, m.Type)
	assert.Equal(t, "hello", m.Body)
	assert.Equal(t, "admin", m.From)
	assert.Equal(t, int64(5), m.Seq)
	assert.Zero(t, m.Shard)

	require.Eventually(t, func() bool {
		seq, err := h.store.GetMaxSeq(context.Background(), "u1")
		return err == nil && seq == 5
	}, waitFor, 10*time.Millisecond)
}

func TestReplayKeepsStoredSeq(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t, "u1")

	h.reply(t, &protocol.Message{Type: protocol.TypeMsg, To: "u1", Seq: 7, Body: "old"})
	h.reply(t, &protocol.Message{Type: protocol.TypeLogin, User: "u1", Seq: 7})
	h.publish(t, "to=u1", "new")

	first, second := read(t, c), read(t, c)
	assert.Equal(t, int64(7), first.Seq)
	assert.Equal(t, "old", first.Body)
	assert.Equal(t, int64(8), second.Seq)
}

func TestDuplicateConnectRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.dial(t, "u1")

	resp, err := http.Get(h.client.URL + "/connect?uid=u1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "already connected", body["error"])
}

func TestConnectValidation(t *testing.T) {
	h := newHarness(t, nil)
	for _, q := range []string{"", "uid=u1&type=fax"} {
		resp, err := http.Get(h.client.URL + "/connect?" + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestAckAndLogoutCarryCounters(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t, "u1")
	h.reply(t, &protocol.Message{Type: protocol.TypeLogin, User: "u1"})

	h.publish(t, "to=u1", "a")
	h.publish(t, "to=u1", "b")
	read(t, c)
	read(t, c)

	write(t, c, `{"type":"ack","seq":99}`)
	ack := h.expect(t, protocol.TypeAck)
	assert.Equal(t, "u1", ack.User)
	assert.Equal(t, int64(2), ack.Seq, "ack is clamped to max seq")

	require.NoError(t, c.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	logout := h.expect(t, protocol.TypeLogout)
	assert.Equal(t, "u1", logout.User)
	assert.Equal(t, int64(2), logout.Seq)
	assert.Equal(t, int64(2), logout.Ack)
}

func TestRemoteRecipientRelayedAndBounced(t *testing.T) {
	h := newHarness(t, nil)

	h.publish(t, "to=ghost&from=u1", "hi")
	m := h.expect(t, protocol.TypeMsg)
	assert.Equal(t, "ghost", m.To)
	assert.False(t, m.Bounced)

	h.reply(t, &protocol.Message{Type: protocol.TypeMsg, To: "ghost", Body: "again"})
	m = h.expect(t, protocol.TypeMsg)
	assert.True(t, m.Bounced)
	assert.Equal(t, "again", m.Body)
}

func TestClientMessageToLocalUser(t *testing.T) {
	h := newHarness(t, nil)
	a := h.dial(t, "a")
	b := h.dial(t, "b")
	h.reply(t, &protocol.Message{Type: protocol.TypeLogin, User: "b"})

	write(t, a, `{"type":"msg","to":"b","from":"spoofed","body":"yo","seq":40}`)
	m := read(t, b)
	assert.Equal(t, "a", m.From)
	assert.Equal(t, "yo", m.Body)
	assert.Equal(t, int64(1), m.Seq)
}

func TestChannelFanout(t *testing.T) {
	h := newHarness(t, nil)
	u1 := h.dial(t, "u1")
	u2 := h.dial(t, "u2")

	write(t, u1, `{"type":"sub","channel":"c1"}`)
	assert.Equal(t, "u1", h.expect(t, protocol.TypeSub).User)
	write(t, u2, `{"type":"sub","channel":"c1"}`)
	assert.Equal(t, "u2", h.expect(t, protocol.TypeSub).User)

	write(t, u1, `{"type":"cmsg","channel":"c1","body":"local"}`)
	m := read(t, u2)
	assert.Equal(t, protocol.TypeChannel, m.Type)
	assert.Equal(t, "local", m.Body)
	assert.Equal(t, "u1", m.From)

	// A member on shard 3 makes the broadcast cross the router.
	h.reply(t, &protocol.Message{Type: protocol.TypeSub, Channel: "c1", User: "u9", Shard: 3})
	require.Eventually(t, func() bool {
		var remote []int
		h.onLoop(t, func() {
			if g, ok := h.srv.reg.Group(registry.KindChannel, "c1"); ok {
				remote = g.RemoteShards()
			}
		})
		return len(remote) == 1 && remote[0] == 3
	}, waitFor, 5*time.Millisecond)
	write(t, u1, `{"type":"cmsg","channel":"c1","body":"wide"}`)
	relayed := h.expect(t, protocol.TypeChannel)
	assert.Equal(t, "wide", relayed.Body)
	assert.Equal(t, "wide", read(t, u2).Body)

	// Broadcasts from the router reach everyone but the sender.
	h.reply(t, &protocol.Message{Type: protocol.TypeChannel, Channel: "c1", From: "u9", Body: "remote"})
	assert.Equal(t, "remote", read(t, u1).Body)
	assert.Equal(t, "remote", read(t, u2).Body)
}

func TestRooms(t *testing.T) {
	h := newHarness(t, nil)
	u1 := h.dial(t, "u1")
	u2 := h.dial(t, "u2")

	write(t, u1, `{"type":"room_join","room":"r1"}`)
	h.expect(t, protocol.TypeRoomJoin)
	write(t, u2, `{"type":"room_join","room":"r1"}`)
	h.expect(t, protocol.TypeRoomJoin)

	write(t, u1, `{"type":"room_set","room":"r1","key":"topic","value":"go"}`)
	set := read(t, u2)
	assert.Equal(t, protocol.TypeRoomSet, set.Type)
	assert.Equal(t, "go", set.Value)
	assert.Equal(t, "topic", h.expect(t, protocol.TypeRoomSet).Key)

	resp, err := http.Get(h.admin.URL + "/room?rid=r1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var state struct {
		Members []string          `json:"members"`
		Attrs   map[string]string `json:"attrs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, []string{"u1", "u2"}, state.Members)
	assert.Equal(t, map[string]string{"topic": "go"}, state.Attrs)

	write(t, u2, `{"type":"room_broadcast","room":"r1","body":"all"}`)
	assert.Equal(t, "all", read(t, u1).Body)

	h.reply(t, &protocol.Message{Type: protocol.TypeRoomKick, Room: "r1", User: "u2", From: "u1"})
	kick := read(t, u2)
	assert.Equal(t, protocol.TypeRoomKick, kick.Type)
	assert.Equal(t, "r1", kick.Room)
}

func TestHeartbeatAndIdleTimeout(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.TickInterval = 10 * time.Millisecond
		c.IdleTimeout = 20 * time.Millisecond
	})
	c := h.dial(t, "stream")
	assert.Equal(t, protocol.TypeNoop, read(t, c).Type)
	assert.Equal(t, protocol.TypeNoop, read(t, c).Type)

	resp, err := http.Get(h.client.URL + "/connect?uid=poller&type=polling")
	require.NoError(t, err)
	defer resp.Body.Close()
	_, err = io.ReadAll(resp.Body)
	assert.NoError(t, err, "polling stream ends cleanly on timeout")
	assert.Equal(t, "poller", h.expect(t, protocol.TypeLogout).User)
	assert.Positive(t, h.srv.Stats().Heartbeats.Load())
}

func TestPollingClosesAfterDelivery(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Get(h.client.URL + "/connect?uid=p1&type=polling")
	require.NoError(t, err)
	defer resp.Body.Close()
	h.expect(t, protocol.TypeLogin)
	got := lines(resp.Body)

	h.reply(t, &protocol.Message{Type: protocol.TypeLogin, User: "p1"})
	h.publish(t, "to=p1", "ding")

	var frames []string
	for l := range got {
		frames = append(frames, l)
	}
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0], `"ding"`)
	assert.Equal(t, "p1", h.expect(t, protocol.TypeLogout).User)
}

func TestRedirectAndShardLookup(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.ShardPeers = []string{"a.example:9000", "b.example:9000"}
		c.ShardRedirect = true
	})
	ring, err := sharding.New(2, h.cfg.VirtualNodes)
	require.NoError(t, err)
	var uid string
	for i := 0; uid == ""; i++ {
		if candidate := fmt.Sprintf("user-%d", i); ring.Hash(candidate) == 1 {
			uid = candidate
		}
	}

	noFollow := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := noFollow.Get(h.client.URL + "/connect?uid=" + url.QueryEscape(uid))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, "http://b.example:9000/connect?uid="+uid, resp.Header.Get("Location"))

	resp, err = http.Get(h.client.URL + "/shard?uid=" + uid)
	require.NoError(t, err)
	defer resp.Body.Close()
	var lookup map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lookup))
	assert.Equal(t, "b.example:9000", lookup["result"])
}

func TestAdminEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	h.dial(t, "u1")

	get := func(path string) (int, map[string]any) {
		resp, err := http.Get(h.admin.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]any
		json.NewDecoder(resp.Body).Decode(&out)
		return resp.StatusCode, out
	}

	_, out := get("/presence")
	assert.Equal(t, float64(1), out["result"])
	_, out = get("/presence?uid=u1")
	assert.Equal(t, true, out["result"])

	status, _ := get("/sub?uid=u1&cid=news")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "news", h.expect(t, protocol.TypeSub).Channel)
	status, out = get("/sub?uid=nobody&cid=news")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, float64(http.StatusNotFound), out["code"])

	status, out = get("/stats")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), out["users"])
	assert.Equal(t, float64(1), out["channels"])

	status, _ = get("/pub?to=u1")
	assert.Equal(t, http.StatusMethodNotAllowed, status)

	status, _ = get("/disconnect?uid=u1")
	assert.Equal(t, http.StatusOK, status)
	h.expect(t, protocol.TypeLogout)
}

func TestOfflineMessagesEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.SaveMessage(ctx, "u1", 1, []byte(`{"type":"msg","seq":1}`), 0))
	require.NoError(t, h.store.SaveMessage(ctx, "u1", 2, []byte(`{"type":"msg","seq":2}`), 0))

	for _, path := range []string{"/offmsg", "/msg"} {
		resp, err := http.Get(h.admin.URL + path + "?uid=u1")
		require.NoError(t, err)
		var got []protocol.Message
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		resp.Body.Close()
		require.Len(t, got, 2)
		assert.Equal(t, int64(1), got[0].Seq)
		assert.Equal(t, int64(2), got[1].Seq)
	}
}
