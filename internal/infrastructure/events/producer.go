package events

import (
	"context"
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

// ProducerConfig holds producer settings. Order outcome volume is modest, so
// the defaults favor durability over batching throughput.
type ProducerConfig struct {
	Brokers []string
	// LingerMS is the time to wait before sending a batch.
	LingerMS int64
	// MaxRetries is the maximum number of retries for failed sends.
	MaxRetries int
	// RetryBackoffMS is the base backoff time between retries.
	RetryBackoffMS int64
}

// DefaultProducerConfig returns producer defaults.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:        []string{"localhost:9092"},
		LingerMS:       20,
		MaxRetries:     3,
		RetryBackoffMS: 100,
	}
}

// Producer publishes records to the event stream.
type Producer struct {
	client  *kgo.Client
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

// NewProducer creates a producer. m may be nil.
func NewProducer(cfg ProducerConfig, m *metrics.Metrics, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(time.Duration(cfg.LingerMS) * time.Millisecond),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.Lz4Compression()),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return time.Duration(cfg.RetryBackoffMS) * time.Millisecond * time.Duration(attempt+1)
		}),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}

	return &Producer{
		client:  client,
		logger:  logger,
		tracer:  otel.Tracer("event-producer"),
		metrics: m,
	}, nil
}

// Produce sends one record and waits for the broker acknowledgement.
func (p *Producer) Produce(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "produce",
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("key", key),
		))
	defer span.End()

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	injectTraceHeaders(ctx, record)

	var produceErr error
	var wg sync.WaitGroup
	wg.Add(1)
	p.client.Produce(ctx, record, func(r *kgo.Record, err error) {
		defer wg.Done()
		if err != nil {
			produceErr = err
			p.logger.Error("produce failed",
				zap.String("topic", topic),
				zap.String("key", key),
				zap.Error(err))
			span.RecordError(err)
			return
		}
		if p.metrics != nil {
			p.metrics.MessagesPublished.Inc()
		}
	})
	wg.Wait()

	return produceErr
}

// Flush blocks until all buffered records are sent.
func (p *Producer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("flushing producer: %w", err)
	}
	return nil
}

// Close flushes and closes the producer.
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("flush on close failed", zap.Error(err))
	}
	p.client.Close()
}

// injectTraceHeaders propagates the trace context via record headers.
func injectTraceHeaders(ctx context.Context, record *kgo.Record) {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}
	sc := span.SpanContext()
	record.Headers = append(record.Headers, kgo.RecordHeader{
		Key: "traceparent",
		Value: []byte(fmt.Sprintf("00-%s-%s-%02x",
			sc.TraceID().String(), sc.SpanID().String(), sc.TraceFlags())),
	})
}
