// Package ingest feeds publish requests from Kafka/Redpanda topics into the
// router.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/comet/internal/monitoring"
	"github.com/adred-codev/comet/internal/protocol"
	"github.com/adred-codev/comet/internal/storage"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/time/rate"
)

const publishTimeout = 10 * time.Second

// Publisher accepts one external message. *router.Server implements it.
type Publisher interface {
	Publish(ctx context.Context, m *protocol.Message) error
}

// Request is the JSON record value. When both To and Channel are empty the
// record key names the recipient.
type Request struct {
	To      string `json:"to,omitempty"`
	Channel string `json:"channel,omitempty"`
	From    string `json:"from,omitempty"`
	Body    string `json:"body"`
	TTL     int64  `json:"ttl,omitempty"`
}

var ErrBadRequest = errors.New("ingest: bad request")

// Parse turns a record into a msg or cmsg.
func Parse(key, value []byte) (*protocol.Message, error) {
	var req Request
	if err := json.Unmarshal(value, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if req.To == "" && req.Channel == "" {
		req.To = string(key)
	}
	if (req.To == "") == (req.Channel == "") {
		return nil, fmt.Errorf("%w: exactly one of to or channel is required", ErrBadRequest)
	}
	if req.TTL < 0 {
		return nil, fmt.Errorf("%w: negative ttl", ErrBadRequest)
	}

	m := &protocol.Message{From: req.From, Body: req.Body, TTL: req.TTL}
	if req.To != "" {
		m.Type, m.To = protocol.TypeMsg, req.To
	} else {
		m.Type, m.Channel = protocol.TypeChannel, req.Channel
	}
	return m, nil
}

// Config configures a Consumer.
type Config struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
	Publisher     Publisher
	// Rate caps records per second; zero means unlimited.
	Rate   float64
	Burst  int
	Logger zerolog.Logger
}

// Consumer polls the ingest topics and publishes each record in order.
type Consumer struct {
	client    *kgo.Client
	publisher Publisher
	limiter   *rate.Limiter
	logger    zerolog.Logger
	topics    []string

	cancel context.CancelFunc
	wg     sync.WaitGroup

	processed atomic.Uint64
	failed    atomic.Uint64
}

func NewConsumer(cfg Config) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	logger := cfg.Logger.With().Str("component", "ingest").Logger()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info().Interface("partitions", assigned).Msg("Partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info().Interface("partitions", revoked).Msg("Partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return newConsumer(client, cfg, logger), nil
}

func newConsumer(client *kgo.Client, cfg Config, logger zerolog.Logger) *Consumer {
	c := &Consumer{
		client:    client,
		publisher: cfg.Publisher,
		logger:    logger,
		topics:    cfg.Topics,
	}
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	return c
}

// Start begins consuming in the background.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Info().Strs("topics", c.topics).Msg("Starting Kafka ingest")
	c.wg.Add(1)
	go c.consumeLoop(ctx)
}

// Stop waits for the in-flight record and closes the client.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.client.Close()
	c.logger.Info().
		Uint64("records_processed", c.processed.Load()).
		Uint64("records_failed", c.failed.Load()).
		Msg("Kafka ingest stopped")
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer monitoring.RecoverPanic(c.logger, "ingest_consume_loop", map[string]any{"topics": c.topics})
	defer c.wg.Done()

	for ctx.Err() == nil {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}
		for _, err := range fetches.Errors() {
			if errors.Is(err.Err, context.Canceled) {
				continue
			}
			c.logger.Error().
				Err(err.Err).
				Str("topic", err.Topic).
				Int32("partition", err.Partition).
				Msg("Fetch error")
		}
		fetches.EachRecord(func(r *kgo.Record) {
			if ctx.Err() == nil {
				c.handle(ctx, r.Topic, r.Key, r.Value)
			}
		})
	}
}

// handle publishes one record and reports the outcome.
func (c *Consumer) handle(ctx context.Context, topic string, key, value []byte) string {
	status := c.process(ctx, key, value)
	monitoring.RecordIngest(status)
	if status == "ok" {
		c.processed.Add(1)
	} else {
		c.failed.Add(1)
		c.logger.Debug().Str("topic", topic).Str("status", status).Msg("Ingest record not delivered")
	}
	return status
}

func (c *Consumer) process(ctx context.Context, key, value []byte) string {
	m, err := Parse(key, value)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Dropping malformed ingest record")
		return "malformed"
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "cancelled"
		}
	}

	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	switch err := c.publisher.Publish(pctx, m); {
	case err == nil:
		return "ok"
	case errors.Is(err, storage.ErrBacklogFull):
		return "rejected"
	default:
		c.logger.Error().Err(err).Str("type", string(m.Type)).Msg("Ingest publish failed")
		return "failed"
	}
}
