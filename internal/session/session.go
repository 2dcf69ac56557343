// Package session implements the client connection state machine for the
// two supported transports: chunked HTTP streaming and WebSocket.
//
//	Opening --Start--> Active --Close/transport error--> Closing --flushed--> Closed
//
// Send is only accepted while Active. The close callback runs exactly once,
// on the owning loop, after the connection has been torn down.
package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/comet/internal/monitoring"
	"github.com/adred-codev/comet/internal/reactor"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrNotActive is returned by Send outside the Active state. It is
	// benign: the frame is simply not delivered.
	ErrNotActive = errors.New("session: not active")
	// ErrSlowClient is returned when the send buffer is full; the session
	// is closed as a side effect.
	ErrSlowClient = errors.New("session: send buffer full")
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	maxFrame   = 64 * 1024
)

// State of a session.
type State int32

const (
	Opening State = iota
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Transport names.
const (
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
)

// Dispatcher hands callbacks to the owning loop. *reactor.Loop implements it.
type Dispatcher interface {
	Post(fn reactor.Func) error
}

// Session is a live client connection.
type Session interface {
	ID() string
	Transport() string
	State() State
	// Start performs the transport handshake and moves to Active.
	Start() error
	// Serve pumps frames until the session is closed. It blocks.
	Serve()
	// Send queues one frame without blocking.
	Send(frame []byte) error
	// Close is idempotent; pending frames are still flushed.
	Close(reason string)
	Done() <-chan struct{}
}

// Options shared by both transports.
type Options struct {
	Node       string // metric label of the owning shard
	SendBuffer int
	Dispatcher Dispatcher
	// OnMessage receives each inbound frame on the loop.
	OnMessage func(s Session, frame []byte)
	// OnClose runs once on the loop with the close reason.
	OnClose func(s Session, reason string)

	// Inbound frame limit; zero disables it.
	MessageRate  rate.Limit
	MessageBurst int

	Logger zerolog.Logger
}

// conn is the transport-independent half of a session.
type conn struct {
	self      Session
	id        string
	transport string
	opts      Options
	logger    zerolog.Logger

	state  atomic.Int32
	send   chan []byte
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
	reason atomic.Value // string

	limiter   *rate.Limiter
	openedAt  time.Time
	closeOnce sync.Once
}

func newConn(transport string, opts Options) *conn {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	id := uuid.NewString()
	c := &conn{
		id:        id,
		transport: transport,
		opts:      opts,
		logger:    opts.Logger.With().Str("session", id).Str("transport", transport).Logger(),
		send:      make(chan []byte, opts.SendBuffer),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		openedAt:  time.Now(),
	}
	if opts.MessageRate > 0 {
		burst := opts.MessageBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(opts.MessageRate, burst)
	}
	return c
}

func (c *conn) ID() string            { return c.id }
func (c *conn) Transport() string     { return c.transport }
func (c *conn) State() State          { return State(c.state.Load()) }
func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) activate() bool {
	return c.state.CompareAndSwap(int32(Opening), int32(Active))
}

func (c *conn) closeReason() string {
	if r, ok := c.reason.Load().(string); ok {
		return r
	}
	return monitoring.DisconnectReasonPeerClosed
}

func (c *conn) Send(frame []byte) error {
	if c.State() != Active {
		return ErrNotActive
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.logger.Warn().Int("buffer", cap(c.send)).Msg("Slow client, closing session")
		c.Close(monitoring.DisconnectReasonSlowClient)
		return ErrSlowClient
	}
}

// Close moves to Closing and wakes the write pump, which flushes what is
// queued and finishes the teardown.
func (c *conn) Close(reason string) {
	c.once.Do(func() {
		c.reason.Store(reason)
		c.state.Store(int32(Closing))
		close(c.quit)
	})
}

// receive hands one inbound frame to the loop.
func (c *conn) receive(frame []byte) {
	if c.State() != Active || len(frame) == 0 {
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		monitoring.RecordError("client_rate_limited")
		c.logger.Warn().Msg("Client rate limited, frame dropped")
		return
	}
	monitoring.RecordFrameReceived(c.opts.Node)
	if c.opts.OnMessage == nil || c.opts.Dispatcher == nil {
		return
	}
	self := c.self
	if err := c.opts.Dispatcher.Post(func() { c.opts.OnMessage(self, frame) }); err != nil {
		c.logger.Debug().Err(err).Msg("Inbound frame dropped, loop closed")
	}
}

// pending drains whatever is still queued without blocking.
func (c *conn) pending() [][]byte {
	var out [][]byte
	for {
		select {
		case f := <-c.send:
			out = append(out, f)
		default:
			return out
		}
	}
}

// finish marks the session Closed and reports it to the loop once.
func (c *conn) finish() {
	c.closeOnce.Do(func() {
		c.Close(monitoring.DisconnectReasonPeerClosed)
		c.state.Store(int32(Closed))
		close(c.done)

		reason := c.closeReason()
		c.logger.Debug().Str("reason", reason).Dur("duration", time.Since(c.openedAt)).Msg("Session closed")
		if c.opts.OnClose == nil || c.opts.Dispatcher == nil {
			return
		}
		self := c.self
		if err := c.opts.Dispatcher.Post(func() { c.opts.OnClose(self, reason) }); err != nil {
			c.logger.Debug().Err(err).Msg("Close callback dropped, loop closed")
		}
	})
}
