// Package taskexec runs blocking calls off the reactor and hands their
// results back to it.
//
// A Runner may run on any worker goroutine and must not touch loop-owned
// state. Its Completion always runs on the loop, exactly once, after the
// Runner has returned.
package taskexec

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/adred-codev/comet/internal/monitoring"
	"github.com/adred-codev/comet/internal/reactor"
	"github.com/cespare/xxhash/v2"
	"github.com/eapache/queue"
	"github.com/rs/zerolog"
)

var (
	// ErrClosed is passed to completions of tasks submitted after Stop.
	ErrClosed = errors.New("taskexec: executor closed")
	// ErrQueueFull is passed to completions of tasks submitted to a worker
	// whose queue is at QueueSize. The runner never runs.
	ErrQueueFull = errors.New("taskexec: queue full")
)

// Runner may block; it runs on a worker goroutine.
type Runner[T any] func(ctx context.Context) (T, error)

// Completion runs on the loop with the runner's result.
type Completion[T any] func(T, error)

// Poster is the loop side of the executor. *reactor.Loop implements it.
type Poster interface {
	Post(fn reactor.Func) error
	Name() string
}

// Options configure an Executor.
type Options struct {
	Workers   int // default 1
	QueueSize int // per-worker queue bound, default 100000
	HighWater int // per-worker queue length that triggers a warning, default 10000
	Logger    zerolog.Logger
}

// Executor owns a fixed set of workers, each draining its own bounded FIFO.
// Submission never blocks: the loop is the one submitting, and workers
// wait on the loop to post completions. A task that finds its queue full
// fails with ErrQueueFull instead.
type Executor struct {
	loop      Poster
	workers   []*worker
	next      atomic.Uint64
	queueSize int
	highWater int
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

type worker struct {
	id     int
	label  string
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  *queue.Queue
	closed bool
	warned bool
}

func New(loop Poster, opts Options) *Executor {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100000
	}
	if opts.HighWater <= 0 || opts.HighWater > opts.QueueSize {
		opts.HighWater = min(10000, opts.QueueSize)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		loop:      loop,
		queueSize: opts.QueueSize,
		highWater: opts.HighWater,
		logger:    opts.Logger.With().Str("component", "executor").Str("loop", loop.Name()).Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		w := &worker{id: i, label: strconv.Itoa(i), tasks: queue.New()}
		w.cond = sync.NewCond(&w.mu)
		e.workers = append(e.workers, w)
	}
	return e
}

// Start launches the worker goroutines.
func (e *Executor) Start() {
	for _, w := range e.workers {
		e.wg.Add(1)
		go e.work(w)
	}
	e.logger.Info().Int("workers", len(e.workers)).Msg("Executor started")
}

// Stop lets workers finish everything already queued, then returns.
// Completions of those tasks are still posted to the loop.
func (e *Executor) Stop() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	for _, w := range e.workers {
		w.mu.Lock()
		w.closed = true
		w.cond.Broadcast()
		w.mu.Unlock()
	}
	e.wg.Wait()
	e.cancel()
	e.logger.Info().Msg("Executor stopped")
}

// Pending returns the number of queued tasks across workers.
func (e *Executor) Pending() int {
	n := 0
	for _, w := range e.workers {
		w.mu.Lock()
		n += w.tasks.Length()
		w.mu.Unlock()
	}
	return n
}

// Do runs run on the next worker in round-robin order. Completion order is
// only FIFO per worker; use DoKeyed when operations for one key must not
// be reordered.
func Do[T any](e *Executor, run Runner[T], done Completion[T]) {
	idx := int(e.next.Add(1) % uint64(len(e.workers)))
	submit(e, e.workers[idx], run, done)
}

// DoKeyed runs run on the worker owning key, so tasks with the same key
// complete in submission order.
func DoKeyed[T any](e *Executor, key string, run Runner[T], done Completion[T]) {
	idx := int(xxhash.Sum64String(key) % uint64(len(e.workers)))
	submit(e, e.workers[idx], run, done)
}

func submit[T any](e *Executor, w *worker, run Runner[T], done Completion[T]) {
	task := func(ctx context.Context) {
		result, err := call(ctx, run)
		if done == nil {
			if err != nil {
				e.logger.Debug().Err(err).Msg("Fire-and-forget task failed")
			}
			return
		}
		if perr := e.loop.Post(func() { done(result, err) }); perr != nil {
			e.logger.Warn().Err(perr).Msg("Completion dropped, loop closed")
		}
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		reject(e, done, ErrClosed)
		return
	}
	if w.tasks.Length() >= e.queueSize {
		w.mu.Unlock()
		monitoring.RecordError("executor_queue_full")
		e.logger.Warn().Int("worker", w.id).Int("size", e.queueSize).Msg("Executor queue full, task rejected")
		reject(e, done, ErrQueueFull)
		return
	}
	w.tasks.Add(task)
	depth := w.tasks.Length()
	if depth > e.highWater && !w.warned {
		w.warned = true
		e.logger.Warn().Int("worker", w.id).Int("depth", depth).Msg("Executor queue above high-water mark")
	}
	w.cond.Signal()
	w.mu.Unlock()

	monitoring.SetExecutorQueueDepth(e.loop.Name(), w.label, depth)
}

// reject completes a task that was never queued. Submission may come from
// the loop itself, which must not Post.
func reject[T any](e *Executor, done Completion[T], err error) {
	if done == nil {
		return
	}
	var zero T
	go e.loop.Post(func() { done(zero, err) })
}

// call runs r and turns a panic into an error.
func call[T any](ctx context.Context, r Runner[T]) (result T, err error) {
	defer func() {
		if p := recover(); p != nil {
			monitoring.RecordError("task_panic")
			err = fmt.Errorf("taskexec: runner panicked: %v", p)
		}
	}()
	return r(ctx)
}

func (e *Executor) work(w *worker) {
	defer e.wg.Done()
	defer monitoring.RecoverPanic(e.logger, "executor_worker", map[string]any{"worker": w.id})

	for {
		w.mu.Lock()
		for w.tasks.Length() == 0 && !w.closed {
			w.cond.Wait()
		}
		if w.tasks.Length() == 0 && w.closed {
			w.mu.Unlock()
			return
		}
		task := w.tasks.Remove().(func(context.Context))
		depth := w.tasks.Length()
		if w.warned && depth < e.highWater/2 {
			w.warned = false
		}
		w.mu.Unlock()

		monitoring.SetExecutorQueueDepth(e.loop.Name(), w.label, depth)
		task(e.ctx)
	}
}
