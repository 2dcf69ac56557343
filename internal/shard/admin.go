package shard

import (
	"io"
	"net/http"
	"time"

	"github.com/adred-codev/comet/internal/api"
	"github.com/adred-codev/comet/internal/monitoring"
	"github.com/adred-codev/comet/internal/protocol"
	"github.com/adred-codev/comet/internal/registry"
	"github.com/adred-codev/comet/internal/types"
)

const maxPublishBody = 64 * 1024

// AdminHandler serves the operator listener.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/pub", api.Methods(s.handlePublish, http.MethodPost))
	mux.HandleFunc("/presence", s.handlePresence)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/offmsg", s.handleOfflineMessages)
	mux.HandleFunc("/msg", s.handleOfflineMessages)
	mux.HandleFunc("/sub", s.handleMembership(true))
	mux.HandleFunc("/unsub", s.handleMembership(false))
	mux.HandleFunc("/disconnect", s.handleDisconnect)
	mux.HandleFunc("/room", s.handleRoom)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)
	mux.HandleFunc("/health", api.Health(s.stats.StartTime))
	return mux
}

// handlePublish takes the fast path for local recipients and relays the
// rest to the router.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	to, channel := q.Get("to"), q.Get("channel")
	if (to == "") == (channel == "") {
		api.Fail(w, http.StatusBadRequest, "exactly one of to or channel is required")
		return
	}
	ttl, err := api.TTL(r)
	if err != nil {
		api.Fail(w, http.StatusBadRequest, "invalid ttl")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishBody+1))
	if err != nil {
		api.Fail(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(body) > maxPublishBody {
		api.Fail(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	s.stats.PubMessages.Add(1)
	s.stats.PubMessageBytes.Add(int64(len(body)))

	m := &protocol.Message{From: q.Get("from"), Body: string(body), TTL: int64(ttl / time.Second)}
	if to != "" {
		m.Type, m.To = protocol.TypeMsg, to
	} else {
		m.Type, m.Channel = protocol.TypeChannel, channel
	}

	err = s.loop.Call(r.Context(), func() {
		if m.Type == protocol.TypeMsg {
			s.deliverUser(m, fromClient)
		} else {
			s.publishGroup(registry.KindChannel, channel, m)
		}
	})
	if err != nil {
		api.Fail(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	api.OK(w, "ok")
}

// handlePresence returns the live-user count, or whether uid is online here.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	var count int
	var online bool
	err := s.loop.Call(r.Context(), func() {
		count = s.reg.Len()
		online = uid != "" && s.reg.Connected(uid)
	})
	if err != nil {
		api.Fail(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if uid != "" {
		api.OK(w, online)
		return
	}
	api.OK(w, count)
}

type statsResponse struct {
	Shard    int                      `json:"shard"`
	Stats    types.StatsSnapshot      `json:"stats"`
	System   monitoring.SystemMetrics `json:"system"`
	Users    int                      `json:"users"`
	Channels int                      `json:"channels"`
	Rooms    int                      `json:"rooms"`
	Pending  int                      `json:"executor_pending"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Shard:   s.id,
		Stats:   s.stats.Snapshot(),
		System:  s.monitor.Get(),
		Pending: s.exec.Pending(),
	}
	err := s.loop.Call(r.Context(), func() {
		resp.Users = s.reg.Len()
		resp.Channels, resp.Rooms = s.reg.Counts()
	})
	if err != nil {
		api.Fail(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	api.JSON(w, http.StatusOK, resp)
}

// handleOfflineMessages reads the stored backlog through the executor, in
// order with the user's pending saves and acks.
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

// handleMembership subscribes or unsubscribes a local user.
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
		var found bool
		err := s.loop.Call(r.Context(), func() {
			if found = s.reg.Connected(uid); !found {
				return
			}
			if join {
				s.joinLocal(registry.KindChannel, cid, uid)
			} else {
				s.leaveLocal(registry.KindChannel, cid, uid)
			}
		})
		if err != nil {
			api.Fail(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		if !found {
			api.Fail(w, http.StatusNotFound, "user not connected")
			return
		}
		api.OK(w, "ok")
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	uid := api.Require(w, r, "uid")
	if uid == "" {
		return
	}
	var found bool
	err := s.loop.Call(r.Context(), func() {
		var u *registry.User
		if u, found = s.reg.Lookup(uid); found {
			u.Session.Close(monitoring.DisconnectReasonAdmin)
		}
	})
	if err != nil {
		api.Fail(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !found {
		api.Fail(w, http.StatusNotFound, "user not connected")
		return
	}
	api.OK(w, "ok")
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	rid := api.Require(w, r, "rid")
	if rid == "" {
		return
	}
	var state registry.RoomState
	if err := s.loop.Call(r.Context(), func() { state, _ = s.reg.RoomState(rid) }); err != nil {
		api.Fail(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	api.JSON(w, http.StatusOK, state)
}
