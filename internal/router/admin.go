package router

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/adred-codev/comet/internal/api"
	"github.com/adred-codev/comet/internal/monitoring"
	"github.com/adred-codev/comet/internal/protocol"
	"github.com/adred-codev/comet/internal/storage"
	"github.com/adred-codev/comet/internal/types"
)

const maxPublishBody = 64 * 1024

// ErrShuttingDown is returned by Publish once shutdown has begun.
var ErrShuttingDown = errors.New("router: shutting down")

// Publish routes one message injected from outside the shards: a user
// message (To set) or a channel message (Channel set). It returns once the
// message has been forwarded or stored.
func (s *Server) Publish(ctx context.Context, m *protocol.Message) error {
	if s.shuttingDown.Load() {
		return ErrShuttingDown
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if m.Type != protocol.TypeMsg && m.Type != protocol.TypeChannel {
		return protocol.ErrUnknownType
	}
	m.Seq, m.Shard, m.Ack, m.Bounced = 0, 0, 0, false
	s.stats.PubMessages.Add(1)
	s.stats.PubMessageBytes.Add(int64(len(m.Body)))

	result := make(chan error, 1)
	done := func(err error) { result <- err }
	err := s.loop.Post(func() {
		if m.Type == protocol.TypeMsg {
			s.routeUser(m, done)
		} else {
			s.publishChannel(m, originAdmin)
			done(nil)
		}
	})
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AdminHandler serves the operator listener.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/pub", api.Methods(s.handlePublish, http.MethodGet, http.MethodPost))
	mux.HandleFunc("/presence", s.handlePresence)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/offmsg", s.handleOfflineMessages)
	mux.HandleFunc("/msg", s.handleOfflineMessages)
	mux.HandleFunc("/sub", s.handleMembership(true))
	mux.HandleFunc("/unsub", s.handleMembership(false))
	mux.HandleFunc("/disconnect", s.handleDisconnect)
	mux.HandleFunc("/shard", s.handleShardLookup)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)
	mux.HandleFunc("/health", api.Health(s.stats.StartTime))
	return mux
}

// handlePublish accepts POST /pub?to=|channel=&from= with the body as the
// message, or GET /pub?uid=&body=.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	to := q.Get("to")
	if to == "" {
		to = q.Get("uid")
	}
	channel := q.Get("channel")
	if (to == "") == (channel == "") {
		api.Fail(w, http.StatusBadRequest, "exactly one of to or channel is required")
		return
	}
	ttl, err := api.TTL(r)
	if err != nil {
		api.Fail(w, http.StatusBadRequest, "invalid ttl")
		return
	}

	body := q.Get("body")
	if r.Method == http.MethodPost {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxPublishBody+1))
		if err != nil {
			api.Fail(w, http.StatusBadRequest, "unreadable body")
			return
		}
		body = string(raw)
	}
	if len(body) > maxPublishBody {
		api.Fail(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	m := &protocol.Message{From: q.Get("from"), Body: body, TTL: int64(ttl / time.Second)}
	if to != "" {
		m.Type, m.To = protocol.TypeMsg, to
	} else {
		m.Type, m.Channel = protocol.TypeChannel, channel
	}

	switch err := s.Publish(r.Context(), m); {
	case err == nil:
		api.OK(w, "ok")
	case errors.Is(err, storage.ErrBacklogFull):
		api.Fail(w, http.StatusInsufficientStorage, err.Error())
	case errors.Is(err, ErrShuttingDown):
		api.Fail(w, http.StatusServiceUnavailable, err.Error())
	default:
		api.Fail(w, http.StatusInternalServerError, err.Error())
	}
}

type presence struct {
	Online bool `json:"online"`
	Shard  int  `json:"shard"`
}

// handlePresence reports the number of online users, or where uid is.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	var count int
	var p presence
	err := s.loop.Call(r.Context(), func() {
		if uid == "" {
			count = s.online()
			return
		}
		if rec, ok := s.users[uid]; ok && rec.online {
			p = presence{Online: true, Shard: rec.shard}
		}
	})
	if err != nil {
		api.Fail(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if uid == "" {
		api.OK(w, count)
		return
	}
	api.OK(w, p)
}

type statsResponse struct {
	Stats    types.StatsSnapshot      `json:"stats"`
	System   monitoring.SystemMetrics `json:"system"`
	Online   int                      `json:"online"`
	Known    int                      `json:"known_users"`
	Channels int                      `json:"channels"`
	Rooms    int                      `json:"rooms"`
	Pending  int                      `json:"executor_pending"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Stats:   s.stats.Snapshot(),
		System:  s.monitor.Get(),
		Pending: s.exec.Pending(),
	}
	err := s.loop.Call(r.Context(), func() {
		resp.Online = s.online()
		resp.Known = len(s.users)
		resp.Channels = len(s.channels)
		resp.Rooms = len(s.rooms)
	})
	if err != nil {
		api.Fail(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	api.JSON(w, http.StatusOK, resp)
}

func (s *Server) handleOfflineMessages(w http.ResponseWriter, r *http.Request) {
	uid := api.Require(w, r, "uid")
	if uid == "" {
		return
	}
	out, err := s.store.ReadBacklog(r.Context(), uid)
	if err != nil {
		api.Fail(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.JSON(w, http.StatusOK, out)
}

// handleMembership changes a user's channel membership out of band. Online
// users are (un)subscribed on their shard, which confirms back; for offline
// users only the stored membership changes, queued behind the user's other
// storage operations.
func (s *Server) handleMembership(join bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := api.Require(w, r, "uid")
		if uid == "" {
			return
		}
		cid := api.Require(w, r, "cid")
		if cid == "" {
			return
		}
		stored := make(chan error, 1)
		err := s.loop.Call(r.Context(), func() {
			if rec, ok := s.users[uid]; ok && rec.online {
				s.notify(rec.shard, membershipFrame(channelKind, join, cid, uid, rec.shard))
				stored <- nil
				return
			}
			done := func(err error) { stored <- err }
			if join {
				s.store.AddUserToChannel(cid, uid, done)
			} else {
				s.store.RemoveUserFromChannel(cid, uid, done)
			}
		})
		if err != nil {
			api.Fail(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		select {
		case err = <-stored:
		case <-r.Context().Done():
			err = r.Context().Err()
		}
		if err != nil {
			api.Fail(w, http.StatusInternalServerError, err.Error())
			return
		}
		api.OK(w, "ok")
	}
}

// handleDisconnect asks the user's shard to close its session.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	uid := api.Require(w, r, "uid")
	if uid == "" {
		return
	}
	var online bool
	err := s.loop.Call(r.Context(), func() {
		rec, ok := s.users[uid]
		if online = ok && rec.online; online {
			s.notify(rec.shard, &protocol.Message{Type: protocol.TypeLogout, User: uid, Shard: rec.shard})
		}
	})
	if err != nil {
		api.Fail(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !online {
		api.Fail(w, http.StatusNotFound, "user not connected")
		return
	}
	api.OK(w, "ok")
}

// handleShardLookup answers which shard address a client should use for
// uid. Users connected to a non-default shard resolve to that shard.
func (s *Server) handleShardLookup(w http.ResponseWriter, r *http.Request) {
	uid := api.Require(w, r, "uid")
	if uid == "" {
		return
	}
	var shard int
	if err := s.loop.Call(r.Context(), func() { shard = s.placement.Locate(uid) }); err != nil {
		api.Fail(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	api.OK(w, s.cfg.ShardPeers[shard])
}
