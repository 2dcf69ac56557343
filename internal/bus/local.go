package bus

import (
	"sync"

	"github.com/adred-codev/comet/internal/monitoring"
	"github.com/eapache/queue"
	"github.com/rs/zerolog"
)

// LocalBus is the in-process bus used when shards and the router share a
// process. Every subscription drains its own unbounded queue on a
// dedicated goroutine, so Publish never blocks and never drops.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[string][]*localSub
	closed bool
	logger zerolog.Logger
	wg     sync.WaitGroup
}

func NewLocalBus(logger zerolog.Logger) *LocalBus {
	return &LocalBus{
		subs:   make(map[string][]*localSub),
		logger: logger.With().Str("component", "local_bus").Logger(),
	}
}

// Publish fans data out to every subscriber of subject. It returns
// ErrNoSubscribers when nobody listens, which callers treat as a
// retryable delivery failure.
func (b *LocalBus) Publish(subject string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	subs := b.subs[subject]
	if len(subs) == 0 {
		return ErrNoSubscribers
	}
	for _, s := range subs {
		// Each subscriber gets its own copy.
		s.push(append([]byte(nil), data...))
	}
	return nil
}

func (b *LocalBus) Subscribe(subject string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	s := &localSub{bus: b, subject: subject, handler: h, pending: queue.New()}
	s.cond = sync.NewCond(&s.mu)
	b.subs[subject] = append(b.subs[subject], s)

	b.wg.Add(1)
	go s.drain()

	b.logger.Debug().Str("subject", subject).Msg("Subscribed")
	return s, nil
}

// Close stops every subscription after it has drained what was queued.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*localSub
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = nil
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
	b.wg.Wait()
	b.logger.Info().Msg("LocalBus stopped")
	return nil
}

func (b *LocalBus) remove(s *localSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[s.subject]
	for i, cur := range subs {
		if cur == s {
			b.subs[s.subject] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[s.subject]) == 0 {
		delete(b.subs, s.subject)
	}
}

type localSub struct {
	bus     *LocalBus
	subject string
	handler Handler

	mu      sync.Mutex
	cond    *sync.Cond
	pending *queue.Queue
	stopped bool
}

func (s *localSub) push(data []byte) {
	s.mu.Lock()
	if !s.stopped {
		s.pending.Add(data)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *localSub) stop() {
	s.mu.Lock()
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *localSub) Unsubscribe() error {
	s.bus.remove(s)
	s.stop()
	return nil
}

func (s *localSub) drain() {
	defer s.bus.wg.Done()
	defer monitoring.RecoverPanic(s.bus.logger, "local_bus_drain", map[string]any{"subject": s.subject})

	for {
		s.mu.Lock()
		for s.pending.Length() == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.pending.Length() == 0 {
			s.mu.Unlock()
			return
		}
		data := s.pending.Remove().([]byte)
		s.mu.Unlock()

		s.deliver(data)
	}
}

func (s *localSub) deliver(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.LogPanic(s.bus.logger, "local_bus_handler", r, map[string]any{"subject": s.subject})
		}
	}()
	s.handler(data)
}
