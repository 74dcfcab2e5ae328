package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps the inbox in the inbox table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a PostgreSQL inbox store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Get(ctx context.Context, key string) (*Entry, error) {
	e := &Entry{}
	var expires *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT idempotency_key, handler_name, status, result, created_at, updated_at, expires_at
		FROM inbox WHERE idempotency_key = $1`, key).
		Scan(&e.Key, &e.Handler, &e.Status, &e.Result, &e.CreatedAt, &e.UpdatedAt, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expires != nil {
		e.ExpiresAt = *expires
	}
	return e, nil
}

func (s *PGStore) Claim(ctx context.Context, key, handler string, at, expiresAt time.Time) error {
	var k string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = EXCLUDED.status, handler_name = EXCLUDED.handler_name, updated_at = EXCLUDED.updated_at
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key`, key, handler, StatusStarted, at, expiresAt).Scan(&k)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicate
	}
	return err
}

func (s *PGStore) SetStatus(ctx context.Context, key string, status Status, result json.RawMessage, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE inbox SET status = $2, result = COALESCE($3, result), updated_at = $4
		WHERE idempotency_key = $1`, key, status, []byte(result), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) RecoverStale(ctx context.Context, cutoff, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE inbox SET status = 'RECOVERABLE', updated_at = $2
		WHERE status = 'STARTED' AND updated_at < $1`, cutoff, at)
	if err != nil {
		return 0, fmt.Errorf("recover stale inbox entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired inbox entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (m *MemoryStore) Claim(_ context.Context, key, handler string, at, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if ok && e.Status != StatusRecoverable {
		return ErrDuplicate
	}
	if !ok {
		e = Entry{Key: key, CreatedAt: at, ExpiresAt: expiresAt}
	}
	e.Handler = handler
	e.Status = StatusStarted
	e.UpdatedAt = at
	m.entries[key] = e
	return nil
}

func (m *MemoryStore) SetStatus(_ context.Context, key string, status Status, result json.RawMessage, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	if result != nil {
		e.Result = result
	}
	e.UpdatedAt = at
	m.entries[key] = e
	return nil
}

func (m *MemoryStore) RecoverStale(_ context.Context, cutoff, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		if e.Status == StatusStarted && e.UpdatedAt.Before(cutoff) {
			e.Status = StatusRecoverable
			e.UpdatedAt = at
			m.entries[k] = e
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		if !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}
