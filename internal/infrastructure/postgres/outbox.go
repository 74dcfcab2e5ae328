package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry is an event waiting to be published.
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

// WriteEntry records an entry inside the caller's transaction.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		entry.AggregateID, entry.AggregateType, entry.EventType,
		entry.Payload, entry.KafkaTopic, entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// RelayConfig tunes the outbox relay.
type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries moves an entry to the dead letter topic once exceeded.
	MaxRetries      int
	DeadLetterTopic string
}

// DefaultRelayConfig returns the relay defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:       100,
		PollInterval:    200 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "dead.letter",
	}
}

// Publisher delivers one record to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// RelayRecorder receives relay measurements.
type RelayRecorder interface {
	OutboxPublished(topic string, n int)
	OutboxFailed(topic string)
	OutboxDeadLettered(n int)
}

type nopRelayRecorder struct{}

func (nopRelayRecorder) OutboxPublished(string, int) {}
func (nopRelayRecorder) OutboxFailed(string)         {}
func (nopRelayRecorder) OutboxDeadLettered(int)      {}

// Relay polls the outbox and publishes pending entries in creation order,
// stopping a batch at the first failed publish. Concurrent relays skip rows
// another relay has locked.
type Relay struct {
	pool      *pgxpool.Pool
	publisher Publisher
	config    RelayConfig
	recorder  RelayRecorder
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewRelay creates a relay.
func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg RelayConfig, recorder RelayRecorder, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRelayRecorder{}
	}
	return &Relay{
		pool:      pool,
		publisher: publisher,
		config:    cfg,
		recorder:  recorder,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox batch failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch publishes one batch and returns how many entries were published.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.process_batch")
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	entries, err := fetchPending(ctx, tx, r.config.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published, dead, err := r.publishEntries(ctx, tx, entries)
	if err != nil {
		span.RecordError(err)
		return published, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	if dead > 0 {
		r.recorder.OutboxDeadLettered(dead)
	}
	r.logger.Debug("outbox batch processed", zap.Int("published", published), zap.Int("dead_lettered", dead))
	return published, nil
}

// execer is the part of pgx.Tx the publish loop writes through.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// publishEntries publishes entries in order and stops at the first entry that
// could not be delivered, so later entries with the same key wait behind it.
func (r *Relay) publishEntries(ctx context.Context, tx execer, entries []*OutboxEntry) (published, dead int, err error) {
	for _, e := range entries {
		if e.RetryCount >= r.config.MaxRetries {
			if err := r.deadLetter(ctx, tx, e); err != nil {
				r.logger.Error("dead letter failed", zap.Int64("id", e.ID), zap.Error(err))
				break
			}
			dead++
			continue
		}
		if err := r.publisher.Publish(ctx, e.KafkaTopic, e.KafkaKey, e.Payload); err != nil {
			r.recorder.OutboxFailed(e.KafkaTopic)
			r.logger.Warn("outbox publish failed",
				zap.Int64("id", e.ID),
				zap.String("event_type", e.EventType),
				zap.Int("retry", e.RetryCount+1),
				zap.Error(err))
			if _, uerr := tx.Exec(ctx, `
				UPDATE outbox SET retry_count = retry_count + 1, last_error = $2, updated_at = NOW()
				WHERE id = $1`, e.ID, err.Error()); uerr != nil {
				return published, dead, fmt.Errorf("record publish failure: %w", uerr)
			}
			break
		}
		if _, err := tx.Exec(ctx, `
			UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, e.ID); err != nil {
			return published, dead, fmt.Errorf("mark processed: %w", err)
		}
		r.recorder.OutboxPublished(e.KafkaTopic, 1)
		published++
	}
	return published, dead, nil
}

func fetchPending(ctx context.Context, tx pgx.Tx, limit int) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.KafkaTopic, &e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeadLetter is the envelope published for entries that exhausted their retries.
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (r *Relay) deadLetter(ctx context.Context, tx execer, e *OutboxEntry) error {
	dl := DeadLetter{
		OriginalTopic: e.KafkaTopic,
		EventType:     e.EventType,
		AggregateID:   e.AggregateID,
		Payload:       e.Payload,
		RetryCount:    e.RetryCount,
		CreatedAt:     e.CreatedAt,
	}
	if e.LastError != nil {
		dl.LastError = *e.LastError
	}
	payload, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	if err := r.publisher.Publish(ctx, r.config.DeadLetterTopic, e.KafkaKey, payload); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, e.ID)
	return err
}

// Cleanup removes entries published longer ago than olderThan.
func (r *Relay) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL AND processed_at < $1`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats summarizes the outbox backlog.
type OutboxStats struct {
	Pending       int64
	Retrying      int64
	OldestPending *time.Time
}

// Stats reports the current backlog.
func (r *Relay) Stats(ctx context.Context) (*OutboxStats, error) {
	s := &OutboxStats{}
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE retry_count > 0),
		       MIN(created_at)
		FROM outbox WHERE processed_at IS NULL`).Scan(&s.Pending, &s.Retrying, &s.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return s, nil
}
