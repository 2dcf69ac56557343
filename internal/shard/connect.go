package shard

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/adred-codev/comet/internal/api"
	"github.com/adred-codev/comet/internal/limits"
	"github.com/adred-codev/comet/internal/monitoring"
	"github.com/adred-codev/comet/internal/protocol"
	"github.com/adred-codev/comet/internal/registry"
	"github.com/adred-codev/comet/internal/session"
)

// ClientHandler serves the public listener.
func (s *Server) ClientHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/connect", s.handleConnect)
	mux.HandleFunc("/shard", s.handleShardLookup)
	return mux
}

// handleConnect admits one client. The request either upgrades to a
// WebSocket or becomes a chunked HTTP stream.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	clientIP := limits.ClientIP(r)

	if s.shuttingDown.Load() {
		s.reject(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		return
	}
	if s.limiter != nil && !s.limiter.Allow(clientIP) {
		s.logger.Warn().Str("client_ip", clientIP).Msg("Connection rejected: rate limit exceeded")
		s.reject(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return
	}

	uid := r.URL.Query().Get("uid")
	if uid == "" {
		s.reject(w, http.StatusBadRequest, "bad_request", "missing parameter: uid")
		return
	}
	typ, err := registry.ParseUserType(r.URL.Query().Get("type"))
	if err != nil {
		s.reject(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if s.cfg.ShardRedirect {
		if owner := s.placement.Locate(uid); owner != s.id {
			target := "http://" + s.cfg.ShardPeers[owner] + r.URL.Path + "?" + r.URL.RawQuery
			monitoring.RecordConnectRejected("redirected")
			http.Redirect(w, r, target, http.StatusTemporaryRedirect)
			return
		}
	}

	if current := s.stats.CurrentConnections.Load(); current >= int64(s.cfg.MaxConnections) {
		s.logger.Warn().
			Str("client_ip", clientIP).
			Int64("current_connections", current).
			Int("max_connections", s.cfg.MaxConnections).
			Msg("Connection rejected: shard full")
		s.reject(w, http.StatusServiceUnavailable, "overloaded", "server overloaded")
		return
	}

	var duplicate bool
	if err := s.loop.Call(r.Context(), func() { duplicate = s.reg.Connected(uid) }); err != nil {
		s.reject(w, http.StatusServiceUnavailable, "loop_closed", "server is shutting down")
		return
	}
	if duplicate {
		s.reject(w, http.StatusConflict, "duplicate", "already connected")
		return
	}

	opts := session.Options{
		Node:       s.name,
		SendBuffer: s.cfg.SendBuffer,
		Dispatcher: s.loop,
		Logger:     s.logger.With().Str("uid", uid).Logger(),
	}
	opts.OnMessage = func(sess session.Session, frame []byte) { s.onClientFrame(uid, sess, frame) }
	opts.OnClose = func(sess session.Session, reason string) { s.onSessionClosed(uid, sess, reason) }

	var sess session.Session
	if session.IsWebSocketRequest(r) {
		sess = session.NewWebSocketSession(w, r, opts)
	} else {
		sess = session.NewHTTPSession(w, r, opts)
	}
	if err := sess.Start(); err != nil {
		monitoring.RecordConnectRejected("handshake")
		s.logger.Error().Err(err).Str("client_ip", clientIP).Str("uid", uid).Msg("Session handshake failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := s.loop.Call(ctx, func() { s.register(uid, typ, sess) }); err != nil {
		sess.Close(monitoring.DisconnectReasonServerShutdown)
	}
	cancel()

	s.logger.Debug().
		Str("client_ip", clientIP).
		Str("uid", uid).
		Str("transport", sess.Transport()).
		Str("session", sess.ID()).
		Msg("Client connected")

	sess.Serve()
}

func (s *Server) reject(w http.ResponseWriter, status int, reason, msg string) {
	s.stats.RejectedConnects.Add(1)
	monitoring.RecordConnectRejected(reason)
	api.Fail(w, status, msg)
}

// register runs on the loop. A duplicate that raced past the first check
// is closed here.
func (s *Server) register(uid string, typ registry.UserType, sess session.Session) {
	if _, err := s.reg.Connect(uid, typ, sess); err != nil {
		if !errors.Is(err, registry.ErrAlreadyConnected) {
			s.logger.Error().Err(err).Str("uid", uid).Msg("Failed to register session")
		}
		sess.Close(monitoring.DisconnectReasonDuplicate)
		return
	}
	s.stats.TotalConnections.Add(1)
	s.stats.CurrentConnections.Add(1)
	monitoring.RecordConnect(s.name, sess.Transport())
	monitoring.SetUsersOnline(s.name, s.reg.Len())

	s.toRouter(&protocol.Message{Type: protocol.TypeLogin, User: uid})
}

// onSessionClosed runs on the loop once per session.
func (s *Server) onSessionClosed(uid string, sess session.Session, reason string) {
	u, removed := s.reg.Disconnect(uid, sess)
	if !removed {
		return
	}
	s.stats.CurrentConnections.Add(-1)
	monitoring.RecordDisconnect(s.name, reason, time.Since(u.ConnectedAt))
	monitoring.SetUsersOnline(s.name, s.reg.Len())

	// The logout carries the counters the router needs before it sees any
	// of the bounced messages below.
	s.toRouter(&protocol.Message{
		Type: protocol.TypeLogout,
		User: uid,
		Seq:  u.MaxSeq,
		Ack:  u.LastAck,
	})
	for _, m := range u.TakePending() {
		s.bounce(m)
	}

	s.logger.Debug().Str("uid", uid).Str("reason", reason).Msg("Client disconnected")
}

// handleShardLookup answers which public address owns uid.
func (s *Server) handleShardLookup(w http.ResponseWriter, r *http.Request) {
	uid := api.Require(w, r, "uid")
	if uid == "" {
		return
	}
	api.OK(w, s.cfg.ShardPeers[s.placement.Locate(uid)])
}
