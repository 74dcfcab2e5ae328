// Package archiver copies controlled substance dispensing entries from the
// broker into the regulatory archive, once per entry.
package archiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	archive "github.com/drfirst/go-rxfill/internal/infrastructure/mongo"
	"github.com/drfirst/go-rxfill/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxfill/pkg/circuitbreaker"
	"github.com/drfirst/go-rxfill/pkg/idempotency"
)

// HandlerName identifies archive writes in the idempotency inbox.
const HandlerName = "dispensing-archive"

// Archive results reported to the Recorder.
const (
	ResultArchived  = "archived"
	ResultDuplicate = "duplicate"
	ResultFailed    = "failed"
	ResultMalformed = "malformed"
)

// RecordStore persists archive records.
type RecordStore interface {
	Store(ctx context.Context, rec archive.Record) error
}

// Recorder receives archive outcomes.
type Recorder interface {
	ArchiveResult(result string)
}

type nopRecorder struct{}

func (nopRecorder) ArchiveResult(string) {}

// Archiver handles dispensing log messages.
type Archiver struct {
	inbox    *idempotency.Inbox
	store    RecordStore
	breaker  *circuitbreaker.Breaker
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// New creates an archiver. recorder may be nil.
func New(inbox *idempotency.Inbox, store RecordStore, breaker *circuitbreaker.Breaker, recorder Recorder, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Archiver{
		inbox:    inbox,
		store:    store,
		breaker:  breaker,
		recorder: recorder,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle archives one dispensing entry. Malformed payloads and entries that
// failed permanently before are reported as permanent errors.
func (a *Archiver) Handle(ctx context.Context, msg *redpanda.Message) error {
	var e prescription.DispensingEntry
	if err := json.Unmarshal(msg.Value, &e); err != nil {
		a.recorder.ArchiveResult(ResultMalformed)
		return redpanda.Permanent(fmt.Errorf("decode dispensing entry at %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err))
	}
	if e.ID == "" || e.DrugID == "" || e.PrescriptionID == "" {
		a.recorder.ArchiveResult(ResultMalformed)
		return redpanda.Permanent(fmt.Errorf("dispensing entry at %s/%d@%d lacks an id, drug or prescription", msg.Topic, msg.Partition, msg.Offset))
	}

	res, err := a.inbox.Process(ctx, idempotency.Key(HandlerName, e.ID), HandlerName, func(ctx context.Context) (json.RawMessage, error) {
		_, err := circuitbreaker.Do(ctx, a.breaker, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, a.store.Store(ctx, archive.RecordFrom(e, a.now()))
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"entry_id": e.ID})
	})
	switch {
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		a.recorder.ArchiveResult(ResultFailed)
		return redpanda.Permanent(err)
	case err != nil:
		a.recorder.ArchiveResult(ResultFailed)
		return err
	case res.Duplicate:
		a.recorder.ArchiveResult(ResultDuplicate)
		a.logger.Debug("dispensing entry already archived", zap.String("entry_id", e.ID))
		return nil
	}

	a.recorder.ArchiveResult(ResultArchived)
	a.logger.Info("dispensing entry archived",
		zap.String("entry_id", e.ID),
		zap.String("prescription_id", e.PrescriptionID),
		zap.String("drug_id", e.DrugID),
		zap.String("schedule", string(e.Schedule)),
		zap.Bool("recovered", res.Recovered))
	return nil
}

// Publisher delivers one record to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// GiveUp is the dead letter envelope of a message the archiver could not store.
type GiveUp struct {
	OriginalTopic string          `json:"original_topic"`
	Partition     int32           `json:"partition"`
	Offset        int64           `json:"offset"`
	Payload       json.RawMessage `json:"payload"`
	Error         string          `json:"error"`
	Permanent     bool            `json:"permanent"`
	FailedAt      time.Time       `json:"failed_at"`
}

// DeadLetter returns a consumer give-up hook that republishes the message to topic.
func DeadLetter(pub Publisher, topic string, logger *zap.Logger) func(ctx context.Context, msg *redpanda.Message, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, msg *redpanda.Message, cause error) {
		env := GiveUp{
			OriginalTopic: msg.Topic,
			Partition:     msg.Partition,
			Offset:        msg.Offset,
			Error:         cause.Error(),
			Permanent:     redpanda.IsPermanent(cause),
			FailedAt:      time.Now().UTC(),
		}
		if json.Valid(msg.Value) {
			env.Payload = msg.Value
		} else {
			quoted, _ := json.Marshal(string(msg.Value))
			env.Payload = quoted
		}
		value, err := json.Marshal(env)
		if err == nil {
			err = pub.Publish(ctx, topic, string(msg.Key), value)
		}
		if err != nil {
			logger.Error("dead letter publish failed",
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}
