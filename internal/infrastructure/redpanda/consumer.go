package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// SessionTimeoutMS is the group session timeout
	SessionTimeoutMS int64
	// HeartbeatIntervalMS is the group heartbeat interval
	HeartbeatIntervalMS int64
	// MaxPollRecords bounds one batch
	MaxPollRecords int
	// FetchMaxBytes is the maximum fetch size
	FetchMaxBytes int32
	// StartOffset is earliest or latest
	StartOffset string
	// RetryBackoff is the pause before a failed batch is handed over again
	RetryBackoff time.Duration
}

// DefaultConsumerConfig returns defaults for the profile projector
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:             []string{"localhost:9092"},
		GroupID:             ProjectorGroup,
		Topics:              []string{TopicPatientEvents},
		SessionTimeoutMS:    30000,
		HeartbeatIntervalMS: 3000,
		MaxPollRecords:      500,
		FetchMaxBytes:       16 * 1024 * 1024,
		StartOffset:         "earliest",
		RetryBackoff:        time.Second,
	}
}

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
	// Context carries the producer's trace
	Context context.Context
}

// BatchHandler handles one polled batch. Offsets are committed only after
// it returns nil; on error the same batch is handed over again.
type BatchHandler func(ctx context.Context, msgs []*ConsumedMessage) error

// Consumer polls batches and commits them manually
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler BatchHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.RWMutex
	messagesRead   int64
	batchesFailed  int64
	lastCommitTime time.Time
}

// NewConsumer creates a new Redpanda consumer
func NewConsumer(cfg ConsumerConfig, handler BatchHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("batch handler is required")
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = DefaultConsumerConfig().MaxPollRecords
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConsumerConfig().RetryBackoff
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		// Rebalances wait for AllowRebalance, so every handled batch is
		// already committed when partitions are revoked.
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	}

	switch cfg.StartOffset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
	}, nil
}

// Start begins consuming until ctx is done or Stop is called
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.consumeLoop(ctx)
}

// Stop ends the loop and closes the client. A batch interrupted mid-retry
// stays uncommitted and is redelivered to the next group member.
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.client.Close()
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for ctx.Err() == nil {
		fetches := c.client.PollRecords(ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		records := fetches.Records()
		if len(records) > 0 {
			c.handleBatch(ctx, records)
		}
		c.client.AllowRebalance()
	}
}

// handleBatch retries the batch until it succeeds or ctx ends, then commits
func (c *Consumer) handleBatch(ctx context.Context, records []*kgo.Record) {
	msgs := make([]*ConsumedMessage, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, toMessage(ctx, r))
	}

	for attempt := 1; ; attempt++ {
		err := c.processBatch(ctx, msgs)
		if err == nil {
			break
		}
		c.mu.Lock()
		c.batchesFailed++
		c.mu.Unlock()
		c.logger.Error("batch handler failed",
			zap.Int("records", len(msgs)),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.config.RetryBackoff):
		}
	}

	if err := c.client.CommitRecords(ctx, records...); err != nil {
		c.logger.Error("failed to commit offsets", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.messagesRead += int64(len(records))
	c.lastCommitTime = time.Now()
	c.mu.Unlock()
}

func (c *Consumer) processBatch(ctx context.Context, msgs []*ConsumedMessage) error {
	ctx, span := c.tracer.Start(ctx, "process_batch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.Int("batch_size", len(msgs))))
	defer span.End()

	if err := c.handler(ctx, msgs); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func toMessage(ctx context.Context, r *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   make(map[string]string, len(r.Headers)),
		Timestamp: r.Timestamp,
		Context:   extractTraceContext(ctx, r),
	}
	for _, h := range r.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead   int64
	BatchesFailed  int64
	LastCommitTime time.Time
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConsumerStats{
		MessagesRead:   c.messagesRead,
		BatchesFailed:  c.batchesFailed,
		LastCommitTime: c.lastCommitTime,
	}
}
