// Package reactor provides the single-goroutine event loop that owns a
// node's mutable state. Everything that touches sessions, registries or the
// time wheel runs as a Func on the loop; other goroutines hand work over
// with Post.
package reactor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/adred-codev/comet/internal/monitoring"
	"github.com/rs/zerolog"
)

// ErrClosed is returned when posting to a loop that has stopped.
var ErrClosed = errors.New("reactor: loop closed")

// Func must run on the loop goroutine.
type Func func()

// retryDelay is the pause between attempts when the queue is full.
const retryDelay = time.Millisecond

// Options configure a Loop.
type Options struct {
	Name         string        // metric/log label, e.g. "shard-0"
	QueueSize    int           // capacity of the posted queue
	TickInterval time.Duration // 0 disables ticks
	Strict       bool          // panic on affinity violations instead of logging
	Logger       zerolog.Logger
}

// Loop runs posted functions and timer ticks one at a time on a single
// goroutine.
type Loop struct {
	name     string
	posted   chan Func
	interval time.Duration
	onTick   func(now time.Time)
	strict   bool
	logger   zerolog.Logger

	deferred []Func
	inTurn   atomic.Bool
	started  atomic.Bool
	done     chan struct{}
}

func New(opts Options) *Loop {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	return &Loop{
		name:     opts.Name,
		posted:   make(chan Func, opts.QueueSize),
		interval: opts.TickInterval,
		strict:   opts.Strict,
		logger:   opts.Logger.With().Str("component", "reactor").Str("loop", opts.Name).Logger(),
		done:     make(chan struct{}),
	}
}

// Name returns the loop label.
func (l *Loop) Name() string {
	return l.name
}

// OnTick registers the tick handler. Call before Run.
func (l *Loop) OnTick(fn func(now time.Time)) {
	l.onTick = fn
}

// Run drives the loop until ctx is cancelled. It must be called once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.New("reactor: loop already running")
	}
	defer close(l.done)

	var tickC <-chan time.Time
	if l.interval > 0 && l.onTick != nil {
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	l.logger.Info().Dur("tick", l.interval).Int("queue", cap(l.posted)).Msg("Loop started")

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Int("pending", len(l.posted)).Msg("Loop stopped")
			return nil
		case fn := <-l.posted:
			l.turn(fn)
		case now := <-tickC:
			l.turn(func() { l.onTick(now) })
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post queues fn to run on the loop. It is safe from any goroutine except
// the loop itself (use Defer there). A full queue is backpressure: Post
// waits and retries rather than dropping fn.
func (l *Loop) Post(fn Func) error {
	select {
	case l.posted <- fn:
		return nil
	case <-l.done:
		return ErrClosed
	default:
	}

	monitoring.IncrementLoopPostRetry(l.name)
	l.logger.Warn().Int("queue", cap(l.posted)).Msg("Loop queue full, retrying post")

	for {
		select {
		case l.posted <- fn:
			return nil
		case <-l.done:
			return ErrClosed
		case <-time.After(retryDelay):
			monitoring.IncrementLoopPostRetry(l.name)
		}
	}
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn Func) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Defer schedules fn to run on the loop right after the current turn.
// Only valid from the loop goroutine.
func (l *Loop) Defer(fn Func) {
	l.AssertInLoop("Defer")
	l.deferred = append(l.deferred, fn)
}

// InLoop reports whether a loop turn is executing.
func (l *Loop) InLoop() bool {
	return l.inTurn.Load()
}

// AssertInLoop flags code that touches loop-owned state outside a turn.
// In strict mode it panics; otherwise the violation is logged.
func (l *Loop) AssertInLoop(what string) {
	if l.inTurn.Load() {
		return
	}
	if l.strict {
		panic("reactor: " + what + " called outside loop " + l.name)
	}
	monitoring.RecordError("loop_affinity")
	l.logger.Error().Str("op", what).Msg("Loop-owned state touched outside the loop")
}

// Len returns the number of queued functions.
func (l *Loop) Len() int {
	return len(l.posted)
}

func (l *Loop) turn(fn Func) {
	l.inTurn.Store(true)
	defer l.inTurn.Store(false)

	l.run(fn)
	for len(l.deferred) > 0 {
		batch := l.deferred
		l.deferred = nil
		for _, d := range batch {
			l.run(d)
		}
	}
}

func (l *Loop) run(fn Func) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.LogPanic(l.logger, "loop", r, map[string]any{"loop": l.name})
		}
	}()
	fn()
}
