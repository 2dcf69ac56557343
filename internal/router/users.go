package router

import (
	"github.com/adred-codev/comet/internal/monitoring"
	"github.com/adred-codev/comet/internal/protocol"
	"github.com/adred-codev/comet/internal/storage"
)

// userRecord is the router's view of one user, online or not.
type userRecord struct {
	id      string
	shard   int
	online  bool
	maxSeq  int64
	lastAck int64

	// primed is set once maxSeq has been merged with storage. stale marks a
	// lookup in flight that started before a login asked for a fresh one.
	primed  bool
	priming bool
	stale   bool
	waiting []func()

	channels map[string]struct{}
	rooms    map[string]struct{}
}

func (s *Server) user(uid string) *userRecord {
	rec, ok := s.users[uid]
	if !ok {
		rec = &userRecord{
			id:       uid,
			channels: make(map[string]struct{}),
			rooms:    make(map[string]struct{}),
		}
		s.users[uid] = rec
	}
	return rec
}

func (s *Server) online() int {
	n := 0
	for _, rec := range s.users {
		if rec.online {
			n++
		}
	}
	return n
}

// prime runs then once rec.maxSeq reflects storage. Concurrent callers
// share one lookup. With fresh set the stored value is read again even if
// rec is primed: while the user is connected its shard assigns and saves
// seqs the router never sees.
func (s *Server) prime(rec *userRecord, fresh bool, then func()) {
	if rec.primed && !fresh {
		then()
		return
	}
	rec.waiting = append(rec.waiting, then)
	if rec.priming {
		rec.stale = rec.stale || fresh
		return
	}
	s.readMaxSeq(rec)
}

func (s *Server) readMaxSeq(rec *userRecord) {
	rec.priming = true
	rec.stale = false
	s.store.GetMaxSeq(rec.id, func(stored int64, err error) {
		if err == nil && stored > rec.maxSeq {
			rec.maxSeq = stored
		}
		if rec.stale {
			s.readMaxSeq(rec)
			return
		}
		rec.priming = false
		if err != nil {
			s.logger.Error().Err(err).Str("uid", rec.id).Msg("Failed to read stored max seq")
		} else {
			rec.primed = true
		}
		waiting := rec.waiting
		rec.waiting = nil
		for _, fn := range waiting {
			fn()
		}
	})
}

// login records where uid is connected, replays its unacked backlog and
// then hands the shard the counters it sequences from.
func (s *Server) login(uid string, shard int) {
	rec := s.user(uid)
	if rec.online && rec.shard != shard {
		s.logger.Warn().Str("uid", uid).Int("old_shard", rec.shard).Int("shard", shard).Msg("User moved shards without logout")
	}
	rec.online = true
	rec.shard = shard
	if s.placement.Hash(uid) != shard {
		s.placement.Override(uid, shard)
	} else {
		s.placement.ClearOverride(uid)
	}
	monitoring.SetUsersOnline(loopName, s.online())

	current := func() bool { return rec.online && rec.shard == shard }
	s.prime(rec, true, func() {
		if !current() {
			return
		}
		if !s.cfg.ReplayOnLogin {
			s.loginReply(rec)
			s.restoreChannels(rec, shard)
			return
		}
		s.store.GetMessages(uid, s.cfg.ReplayBatchSize, func(entries []storage.Entry, err error) {
			if !current() {
				return
			}
			if err != nil {
				s.logger.Error().Err(err).Str("uid", uid).Msg("Failed to load backlog for replay")
			}
			s.replay(rec, entries)
			s.loginReply(rec)
			s.restoreChannels(rec, shard)
		})
	})
}

// restoreChannels re-subscribes a user who just logged in to every channel
// it is subscribed to in storage. The shard joins it locally and confirms
// back, which puts it in the routing table like a client sub would.
func (s *Server) restoreChannels(rec *userRecord, shard int) {
	s.store.GetUserChannels(rec.id, func(cids []string, err error) {
		if !rec.online || rec.shard != shard {
			return
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("uid", rec.id).Msg("Failed to restore channel subscriptions")
			return
		}
		// Joining twice is a no-op on both sides, so channels already
		// joined since login need no filtering.
		for _, cid := range cids {
			s.notify(shard, membershipFrame(channelKind, true, cid, rec.id, shard))
		}
	})
}

func (s *Server) replay(rec *userRecord, entries []storage.Entry) {
	for _, e := range entries {
		if e.Seq <= rec.lastAck {
			continue
		}
		m, err := protocol.Decode(e.Data)
		if err != nil {
			monitoring.RecordError("bad_stored_message")
			s.logger.Warn().Err(err).Str("uid", rec.id).Int64("seq", e.Seq).Msg("Skipping unreadable stored message")
			continue
		}
		m.Seq = e.Seq
		if e.Seq > rec.maxSeq {
			rec.maxSeq = e.Seq
		}
		if err := s.toShard(rec.shard, m); err != nil {
			s.logger.Warn().Err(err).Str("uid", rec.id).Msg("Replay interrupted")
			return
		}
	}
}

func (s *Server) loginReply(rec *userRecord) {
	s.notify(rec.shard, &protocol.Message{
		Type: protocol.TypeLogin,
		User: rec.id,
		Seq:  rec.maxSeq,
		Ack:  rec.lastAck,
	})
}

// logout merges the shard's counters and drops the user's routing
// memberships. A logout from a shard the user already left only
// contributes its counters.
func (s *Server) logout(uid string, shard int, maxSeq, lastAck int64) {
	rec := s.user(uid)
	if maxSeq > rec.maxSeq {
		rec.maxSeq = maxSeq
	}
	s.mergeAck(rec, lastAck)
	if !rec.online || rec.shard != shard {
		return
	}
	rec.online = false
	s.placement.ClearOverride(uid)
	if rec.lastAck > 0 {
		s.store.UpdateAck(uid, rec.lastAck)
	}
	s.dropMemberships(rec, shard)
	monitoring.SetUsersOnline(loopName, s.online())
}

func (s *Server) ack(uid string, seq int64) {
	rec := s.user(uid)
	if seq > rec.maxSeq {
		rec.maxSeq = seq
	}
	if s.mergeAck(rec, seq) {
		s.store.UpdateAck(uid, rec.lastAck)
	}
}

func (s *Server) mergeAck(rec *userRecord, seq int64) bool {
	if seq > rec.maxSeq {
		seq = rec.maxSeq
	}
	if seq <= rec.lastAck {
		return false
	}
	rec.lastAck = seq
	return true
}
