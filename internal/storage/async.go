package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/adred-codev/comet/internal/taskexec"
	"github.com/rs/zerolog"
)

// Async runs Backend calls on the executor and delivers results on the
// loop. Per-user operations are keyed by uid so a user's save, ack and
// fetch complete in the order they were issued.
type Async struct {
	backend Backend
	exec    *taskexec.Executor
	timeout time.Duration
	logger  zerolog.Logger
}

func NewAsync(backend Backend, exec *taskexec.Executor, timeout time.Duration, logger zerolog.Logger) *Async {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Async{
		backend: backend,
		exec:    exec,
		timeout: timeout,
		logger:  logger.With().Str("component", "storage").Logger(),
	}
}

func (a *Async) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.timeout)
}

// SaveMessage persists one message. done may be nil.
func (a *Async) SaveMessage(uid string, seq int64, data []byte, ttl time.Duration, done func(error)) {
	taskexec.DoKeyed(a.exec, uid, func(ctx context.Context) (struct{}, error) {
		ctx, cancel := a.bounded(ctx)
		defer cancel()
		return struct{}{}, a.backend.SaveMessage(ctx, uid, seq, data, ttl)
	}, completion(done, func(err error) {
		a.logger.Error().Err(err).Str("uid", uid).Int64("seq", seq).Msg("Failed to persist message")
	}))
}

// GetMessages fetches up to limit unacked entries (limit <= 0 means all).
func (a *Async) GetMessages(uid string, limit int, done func([]Entry, error)) {
	taskexec.DoKeyed(a.exec, uid, func(ctx context.Context) ([]Entry, error) {
		ctx, cancel := a.bounded(ctx)
		defer cancel()
		it, err := a.backend.GetMessages(ctx, uid)
		if err != nil {
			return nil, err
		}
		return Collect(it, limit)
	}, done)
}

func (a *Async) GetMaxSeq(uid string, done func(int64, error)) {
	taskexec.DoKeyed(a.exec, uid, func(ctx context.Context) (int64, error) {
		ctx, cancel := a.bounded(ctx)
		defer cancel()
		return a.backend.GetMaxSeq(ctx, uid)
	}, done)
}

// UpdateAck is fire-and-forget; failures are logged.
func (a *Async) UpdateAck(uid string, seq int64) {
	taskexec.DoKeyed(a.exec, uid, func(ctx context.Context) (struct{}, error) {
		ctx, cancel := a.bounded(ctx)
		defer cancel()
		return struct{}{}, a.backend.UpdateAck(ctx, uid, seq)
	}, completion(nil, func(err error) {
		a.logger.Warn().Err(err).Str("uid", uid).Int64("ack", seq).Msg("Failed to persist ack")
	}))
}

// AddUserToChannel and RemoveUserFromChannel are keyed by uid, like the
// user's other operations, so a login's GetUserChannels sees every earlier
// change. done may be nil.
func (a *Async) AddUserToChannel(cid, uid string, done func(error)) {
	taskexec.DoKeyed(a.exec, uid, func(ctx context.Context) (struct{}, error) {
		ctx, cancel := a.bounded(ctx)
		defer cancel()
		return struct{}{}, a.backend.AddUserToChannel(ctx, cid, uid)
	}, completion(done, func(err error) {
		a.logger.Warn().Err(err).Str("cid", cid).Str("uid", uid).Msg("Failed to persist channel membership")
	}))
}

func (a *Async) RemoveUserFromChannel(cid, uid string, done func(error)) {
	taskexec.DoKeyed(a.exec, uid, func(ctx context.Context) (struct{}, error) {
		ctx, cancel := a.bounded(ctx)
		defer cancel()
		return struct{}{}, a.backend.RemoveUserFromChannel(ctx, cid, uid)
	}, completion(done, func(err error) {
		a.logger.Warn().Err(err).Str("cid", cid).Str("uid", uid).Msg("Failed to remove channel membership")
	}))
}

func (a *Async) GetUserChannels(uid string, done func([]string, error)) {
	taskexec.DoKeyed(a.exec, uid, func(ctx context.Context) ([]string, error) {
		ctx, cancel := a.bounded(ctx)
		defer cancel()
		return a.backend.GetUserChannels(ctx, uid)
	}, done)
}

// Backlog reads the stored frames of the backlog in order with the user's other
// operations.
func (a *Async) Backlog(uid string, done func([]json.RawMessage, error)) {
	taskexec.DoKeyed(a.exec, uid, func(ctx context.Context) ([]json.RawMessage, error) {
		ctx, cancel := a.bounded(ctx)
		defer cancel()
		return Backlog(ctx, a.backend, uid)
	}, done)
}

// ReadBacklog is Backlog for callers off the loop, such as HTTP handlers.
// It blocks until the result arrives or ctx is done.
func (a *Async) ReadBacklog(ctx context.Context, uid string) ([]json.RawMessage, error) {
	type result struct {
		out []json.RawMessage
		err error
	}
	ch := make(chan result, 1)
	a.Backlog(uid, func(out []json.RawMessage, err error) { ch <- result{out, err} })
	select {
	case res := <-ch:
		return res.out, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// completion adapts an error-only callback and logs failures nobody waits on.
func completion(done func(error), onErr func(error)) taskexec.Completion[struct{}] {
	return func(_ struct{}, err error) {
		if err != nil && done == nil {
			onErr(err)
		}
		if done != nil {
			done(err)
		}
	}
}
