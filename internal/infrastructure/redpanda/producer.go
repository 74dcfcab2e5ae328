// Package redpanda publishes and consumes workflow events over the Kafka
// protocol with franz-go.
package redpanda

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig holds producer settings.
type ProducerConfig struct {
	Brokers []string
	// Linger is how long records wait to be batched.
	Linger time.Duration
	// Compression is one of lz4, snappy, gzip, zstd or none.
	Compression string
	// AllAcks waits for every in-sync replica.
	AllAcks       bool
	RecordRetries int
}

// DefaultProducerConfig returns producer defaults.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:       []string{"localhost:9092"},
		Linger:        5 * time.Millisecond,
		Compression:   "lz4",
		AllAcks:       true,
		RecordRetries: 3,
	}
}

func (c ProducerConfig) opts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.ProducerLinger(c.Linger),
		kgo.RecordRetries(c.RecordRetries),
	}
	if c.AllAcks {
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	} else {
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	}
	switch c.Compression {
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "gzip":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.GzipCompression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	}
	return opts
}

// Producer publishes records synchronously. It satisfies the outbox relay's
// Publisher.
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
	tracer trace.Tracer

	sent   atomic.Int64
	failed atomic.Int64
}

// NewProducer creates a producer.
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := kgo.NewClient(cfg.opts()...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

// Publish sends one record and waits for the broker acknowledgement.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "redpanda.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", topic),
			attribute.String("messaging.kafka.message_key", key),
		))
	defer span.End()

	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{rec})

	res := p.client.ProduceSync(ctx, rec)
	if err := res.FirstErr(); err != nil {
		p.failed.Add(1)
		span.RecordError(err)
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	p.sent.Add(1)
	r := res[0].Record
	p.logger.Debug("record produced",
		zap.String("topic", r.Topic),
		zap.Int32("partition", r.Partition),
		zap.Int64("offset", r.Offset))
	return nil
}

// Ping checks broker connectivity.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Stats returns produced and failed record counts.
func (p *Producer) Stats() (sent, failed int64) {
	return p.sent.Load(), p.failed.Load()
}

// Close flushes buffered records and closes the client.
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("flush on close", zap.Error(err))
	}
	p.client.Close()
}

// headerCarrier adapts record headers for trace context propagation.
type headerCarrier struct {
	rec *kgo.Record
}

func (c headerCarrier) Get(key string) string {
	for _, h := range c.rec.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range c.rec.Headers {
		if h.Key == key {
			c.rec.Headers[i].Value = []byte(value)
			return
		}
	}
	c.rec.Headers = append(c.rec.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.rec.Headers))
	for _, h := range c.rec.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}
