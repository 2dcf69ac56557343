package bus

import (
	"fmt"
	"time"

	"github.com/adred-codev/comet/internal/monitoring"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	URL             string
	Name            string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
}

// NATSBus carries frames over core NATS subjects.
type NATSBus struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

func NewNATSBus(cfg NATSConfig, logger zerolog.Logger) (*NATSBus, error) {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.ReconnectJitter <= 0 {
		cfg.ReconnectJitter = 500 * time.Millisecond
	}
	if cfg.MaxPingsOut <= 0 {
		cfg.MaxPingsOut = 2
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}

	b := &NATSBus{logger: logger.With().Str("component", "nats_bus").Logger()}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.PingInterval(cfg.PingInterval),
		nats.ConnectHandler(func(c *nats.Conn) {
			b.logger.Info().Str("url", c.ConnectedUrl()).Msg("Connected to NATS")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			if err != nil {
				monitoring.RecordError("nats_disconnect")
				b.logger.Warn().Err(err).Msg("Disconnected from NATS")
				return
			}
			b.logger.Info().Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(c *nats.Conn, sub *nats.Subscription, err error) {
			monitoring.RecordError("nats_error")
			ev := b.logger.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("NATS error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to NATS %s: %w", cfg.URL, err)
	}
	b.conn = conn
	return b, nil
}

func (b *NATSBus) Publish(subject string, data []byte) error {
	if b.conn.IsClosed() {
		return ErrClosed
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(subject string, h Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				monitoring.LogPanic(b.logger, "nats_handler", r, map[string]any{"subject": subject})
			}
		}()
		h(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", subject, err)
	}
	// Slow consumers must not lose frames to the default pending limits.
	if err := sub.SetPendingLimits(-1, -1); err != nil {
		b.logger.Warn().Err(err).Str("subject", subject).Msg("Could not lift pending limits")
	}
	b.logger.Info().Str("subject", subject).Msg("Subscribed to NATS subject")
	return sub, nil
}

// Close drains subscriptions and closes the connection.
func (b *NATSBus) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("bus: drain: %w", err)
	}
	return nil
}
