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

	"github.com/drfirst/go-rxfill/pkg/workerpool"
)

// ConsumerConfig holds consumer group settings.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// MaxAttempts bounds handler retries for one record before it is
	// passed to OnGiveUp and committed.
	MaxAttempts int
	Backoff     time.Duration
	StartOffset string
	// Workers processes records with different keys in parallel. Records
	// sharing a key keep their order.
	Workers int
}

// DefaultConsumerConfig returns consumer defaults.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:     []string{"localhost:9092"},
		GroupID:     "dispensing-archiver",
		Topics:      []string{TopicControlledSubstanceLog},
		MaxAttempts: 5,
		Backoff:     200 * time.Millisecond,
		StartOffset: "earliest",
		Workers:     4,
	}
}

// Message is a consumed record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Handler processes one message.
type Handler func(ctx context.Context, msg *Message) error

// permanentError marks a handler failure that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the consumer gives up on the record immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Consumer reads a consumer group and marks each record for commit after its handler
// succeeds or is given up on.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	handler Handler
	// OnGiveUp receives records whose handler failed permanently or ran out
	// of attempts.
	OnGiveUp func(ctx context.Context, msg *Message, err error)
	pool     *workerpool.Pool
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewConsumer creates a consumer. Only marked offsets are committed.
func NewConsumer(cfg ConsumerConfig, handler Handler, logger *zap.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke", zap.Error(err))
			}
		}),
	}
	if cfg.StartOffset == "latest" {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Consumer{
		client:  client,
		config:  cfg,
		handler: handler,
		pool:    workerpool.New(workerpool.Config{Workers: cfg.Workers}, logger),
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
	}, nil
}

// Run polls until ctx is cancelled, then commits and closes the client.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.close()
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		if stopped := c.processFetch(ctx, fetches); stopped {
			return nil
		}
		if err := c.client.CommitMarkedOffsets(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("commit offsets", zap.Error(err))
		}
	}
}

// processFetch handles every record of a poll on the pool and marks the
// settled prefix of each partition for commit. It reports whether ctx ended
// first.
func (c *Consumer) processFetch(ctx context.Context, fetches kgo.Fetches) bool {
	records := fetches.Records()
	settled := make([]bool, len(records))
	var wg sync.WaitGroup
	for i, rec := range records {
		wg.Add(1)
		err := c.pool.Submit(ctx, workerpool.Task{
			Key: rec.Topic + "/" + string(rec.Key),
			Run: func(context.Context) error {
				settled[i] = c.process(ctx, rec)
				return nil
			},
			Done: func(error) { wg.Done() },
		})
		if err != nil {
			wg.Done()
			break
		}
	}
	wg.Wait()

	stalled := make(map[string]bool)
	for i, rec := range records {
		tp := fmt.Sprintf("%s/%d", rec.Topic, rec.Partition)
		if stalled[tp] {
			continue
		}
		if !settled[i] {
			stalled[tp] = true
			continue
		}
		c.client.MarkCommitRecords(rec)
	}
	return len(stalled) > 0
}

// process runs the handler with retries. It returns false only when ctx ended
// before the record was settled.
func (c *Consumer) process(ctx context.Context, rec *kgo.Record) bool {
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier{rec})
	ctx, span := c.tracer.Start(ctx, "redpanda.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", rec.Topic),
			attribute.Int64("messaging.kafka.partition", int64(rec.Partition)),
			attribute.Int64("messaging.kafka.offset", rec.Offset),
		))
	defer span.End()

	msg := &Message{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Headers:   make(map[string]string, len(rec.Headers)),
		Timestamp: rec.Timestamp,
	}
	for _, h := range rec.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	var err error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		if err = c.handler(ctx, msg); err == nil {
			return true
		}
		if IsPermanent(err) {
			break
		}
		c.logger.Warn("handler failed",
			zap.String("topic", rec.Topic),
			zap.Int64("offset", rec.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == c.config.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.config.Backoff * time.Duration(attempt)):
		}
	}

	span.RecordError(err)
	c.logger.Error("giving up on record",
		zap.String("topic", rec.Topic),
		zap.Int32("partition", rec.Partition),
		zap.Int64("offset", rec.Offset),
		zap.Error(err))
	if c.OnGiveUp != nil {
		c.OnGiveUp(ctx, msg, err)
	}
	return true
}

func (c *Consumer) close() {
	c.pool.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("commit on close", zap.Error(err))
	}
	c.client.Close()
}
