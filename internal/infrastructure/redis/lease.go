// Package redis provides a Redis-backed lease so that several API replicas
// serialize work on the same prescription.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds connection and lease settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces lease keys.
	KeyPrefix string
	// TTL bounds how long a crashed holder can block others.
	TTL time.Duration
	// RetryInterval is the pause between acquisition attempts.
	RetryInterval time.Duration
}

// DefaultConfig returns lease defaults.
func DefaultConfig() Config {
	return Config{
		Addr:          "localhost:6379",
		KeyPrefix:     "rxfill:lock:",
		TTL:           30 * time.Second,
		RetryInterval: 25 * time.Millisecond,
	}
}

// NewClient connects and pings Redis.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MinIdleConns: 2,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// release deletes the key only while it still holds our token.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out per-key leases with SET NX PX.
type Locker struct {
	rdb    redis.UniversalClient
	cfg    Config
	logger *zap.Logger
}

// NewLocker creates a lease locker.
func NewLocker(rdb redis.UniversalClient, cfg Config, logger *zap.Logger) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	return &Locker{rdb: rdb, cfg: cfg, logger: logger}
}

// Lock blocks until the lease is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	k := l.cfg.KeyPrefix + key
	token := uuid.New().String()

	for {
		ok, err := l.rdb.SetNX(ctx, k, token, l.cfg.TTL).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("acquire lease %s: %w", k, err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.cfg.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// Release even if the request context was cancelled.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := release.Run(rctx, l.rdb, []string{k}, token).Err(); err != nil {
			l.logger.Warn("lease release failed", zap.String("key", k), zap.Error(err))
		}
	}, nil
}
