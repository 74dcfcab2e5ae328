// Package idempotency implements an inbox that runs each keyed message
// handler at most once to completion.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the processing state of an inbox entry.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry is one inbox record.
type Entry struct {
	Key       string
	Handler   string
	Status    Status
	Result    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

var (
	// ErrNotFound is returned by Store.Get for unknown keys.
	ErrNotFound = errors.New("inbox entry not found")
	// ErrDuplicate is returned by Store.Claim when the key is finished,
	// failed or held by another handler.
	ErrDuplicate = errors.New("duplicate message")
	// ErrInProgress means another handler holds the key and is not stale.
	ErrInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed means the key failed permanently before.
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// Store persists inbox entries.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	// Claim inserts key as STARTED, or moves a RECOVERABLE entry back to
	// STARTED. Any other existing entry yields ErrDuplicate.
	Claim(ctx context.Context, key, handler string, at, expiresAt time.Time) error
	SetStatus(ctx context.Context, key string, status Status, result json.RawMessage, at time.Time) error
	// RecoverStale moves STARTED entries last touched before cutoff to RECOVERABLE.
	RecoverStale(ctx context.Context, cutoff, at time.Time) (int64, error)
	// DeleteExpired removes entries that expired before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Config tunes the inbox.
type Config struct {
	// TTL is how long a key is remembered.
	TTL time.Duration
	// RecoveryTimeout is how long a STARTED entry may sit before another
	// handler may take it over.
	RecoveryTimeout time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns inbox defaults.
func DefaultConfig() Config {
	return Config{
		TTL:             7 * 24 * time.Hour,
		RecoveryTimeout: 5 * time.Minute,
		CleanupInterval: time.Hour,
	}
}

// Inbox runs handlers with at-most-once completion per key.
type Inbox struct {
	store  Store
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// Option configures an Inbox.
type Option func(*Inbox)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Inbox) { i.now = now }
}

// NewInbox creates an inbox over store.
func NewInbox(store Store, cfg Config, logger *zap.Logger, opts ...Option) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	i := &Inbox{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Result describes a Process call.
type Result struct {
	// Duplicate is true when the key had already finished and fn was not run.
	Duplicate bool
	Recovered bool
	Output    json.RawMessage
}

// Func is an idempotent handler body.
type Func func(ctx context.Context) (json.RawMessage, error)

// Process runs fn unless key already finished. A failure wrapped with
// Permanent marks the key FAILED; any other failure leaves it RECOVERABLE.
func (i *Inbox) Process(ctx context.Context, key, handler string, fn Func) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	now := i.now()
	entry, err := i.store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	recovered := false
	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &Result{Duplicate: true, Output: entry.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if now.Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrInProgress
			}
			if err := i.store.SetStatus(ctx, key, StatusRecoverable, nil, now); err != nil {
				return nil, fmt.Errorf("mark recoverable: %w", err)
			}
			recovered = true
		case StatusRecoverable:
			recovered = true
		}
	}

	if err := i.store.Claim(ctx, key, handler, now, now.Add(i.config.TTL)); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, ErrInProgress
		}
		return nil, fmt.Errorf("claim inbox key: %w", err)
	}

	out, herr := fn(ctx)
	if herr != nil {
		status := StatusRecoverable
		if IsPermanent(herr) {
			status = StatusFailed
		}
		msg, _ := json.Marshal(map[string]string{"error": herr.Error()})
		if err := i.store.SetStatus(ctx, key, status, msg, i.now()); err != nil {
			i.logger.Error("record handler failure", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(herr)
		return nil, herr
	}

	if err := i.store.SetStatus(ctx, key, StatusFinished, out, i.now()); err != nil {
		// fn already succeeded; a redelivery may run it again.
		i.logger.Error("mark finished", zap.String("key", key), zap.Error(err))
	}
	return &Result{Recovered: recovered, Output: out}, nil
}

// Run recovers stale entries and deletes expired ones every CleanupInterval
// until ctx is cancelled.
func (i *Inbox) Run(ctx context.Context) {
	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.Sweep(ctx)
		}
	}
}

// Sweep performs one recovery and cleanup pass.
func (i *Inbox) Sweep(ctx context.Context) {
	now := i.now()
	if n, err := i.store.RecoverStale(ctx, now.Add(-i.config.RecoveryTimeout), now); err != nil {
		i.logger.Error("inbox recovery failed", zap.Error(err))
	} else if n > 0 {
		i.logger.Info("inbox entries recovered", zap.Int64("count", n))
	}
	if n, err := i.store.DeleteExpired(ctx, now); err != nil {
		i.logger.Error("inbox cleanup failed", zap.Error(err))
	} else if n > 0 {
		i.logger.Info("inbox entries expired", zap.Int64("count", n))
	}
}

// Key derives a deterministic key from parts.
func Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p)
}
