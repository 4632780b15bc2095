package events

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

	"github.com/apomesh/erx-redeem/internal/observability/metrics"
)

// ConsumerConfig holds consumer settings.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// SessionTimeoutMS is the consumer group session timeout.
	SessionTimeoutMS int64
	// HeartbeatIntervalMS is the consumer group heartbeat interval.
	HeartbeatIntervalMS int64
	// StartOffset is where a fresh group starts: "earliest" or "latest".
	StartOffset string
}

// DefaultConsumerConfig returns consumer defaults for the pharmacy
// directory stream.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:             []string{"localhost:9092"},
		GroupID:             "erx-redeem-worker",
		Topics:              []string{TopicPharmacyDirectory},
		SessionTimeoutMS:    30000,
		HeartbeatIntervalMS: 3000,
		StartOffset:         "earliest",
	}
}

// Message is one consumed record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// ID identifies the message for deduplication: one record, one id.
func (m *Message) ID() string {
	return fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
}

// Handler processes one consumed message. A returned error leaves the offset
// uncommitted so the message is redelivered.
type Handler func(ctx context.Context, msg *Message) error

// Consumer reads the subscribed topics and feeds each record through the
// handler, committing offsets only after successful processing.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	handler Handler
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates a consumer. m may be nil.
func NewConsumer(cfg ConsumerConfig, handler Handler, m *metrics.Metrics, logger *zap.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.DisableAutoCommit(),
	}
	switch cfg.StartOffset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}
	opts = append(opts,
		kgo.OnPartitionsAssigned(func(ctx context.Context, client *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		config:  cfg,
		handler: handler,
		logger:  logger,
		tracer:  otel.Tracer("event-consumer"),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins consuming in the background.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop drains the consumer and commits pending offsets.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		c.logger.Warn("committing offsets on stop failed", zap.Error(err))
	}
	c.client.Close()
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				c.logger.Error("fetch error",
					zap.String("topic", err.Topic),
					zap.Int32("partition", err.Partition),
					zap.Error(err.Err))
			}
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			c.processRecord(record)
		})
	}
}

func (c *Consumer) processRecord(record *kgo.Record) {
	ctx, span := c.tracer.Start(c.ctx, "consume_message",
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &Message{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Timestamp: record.Timestamp,
	}

	if err := c.handler(ctx, msg); err != nil {
		c.logger.Error("message handler failed",
			zap.String("message_id", msg.ID()),
			zap.Error(err))
		span.RecordError(err)
		// The offset stays uncommitted; the record is redelivered.
		return
	}

	if c.metrics != nil {
		c.metrics.MessagesConsumed.Inc()
	}

	c.client.MarkCommitRecords(record)
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		c.logger.Error("offset commit failed",
			zap.String("message_id", msg.ID()),
			zap.Error(err))
		span.RecordError(err)
	}
}
