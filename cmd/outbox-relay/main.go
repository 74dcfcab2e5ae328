// Package main provides the outbox relay service entry point.
// It publishes committed domain events and dispensing log entries to Redpanda.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/config"
	"github.com/drfirst/go-rxfill/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxfill/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxfill/internal/observability/logging"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
	"github.com/drfirst/go-rxfill/internal/observability/tracing"
)

func main() {
	bootLogger, _ := zap.NewProduction()

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Fatal("load config", zap.Error(err))
	}
	if cfg.DatabaseURL == "" {
		bootLogger.Fatal("DATABASE_URL is required")
	}
	logger, err := logging.New("outbox-relay", cfg.Env, cfg.LogLevel)
	if err != nil {
		bootLogger.Fatal("build logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  "outbox-relay",
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers()
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	if err := producer.Ping(ctx); err != nil {
		logger.Warn("brokers not reachable yet", zap.Error(err))
	}
	logger.Info("connected to Redpanda", zap.Strings("brokers", producerCfg.Brokers))

	m := metrics.New()
	relay := postgres.NewRelay(pool, producer, postgres.RelayConfig{
		BatchSize:       cfg.OutboxBatchSize,
		PollInterval:    cfg.OutboxPollInterval,
		MaxRetries:      cfg.OutboxMaxRetries,
		DeadLetterTopic: cfg.TopicDeadLetter,
	}, m, logger)

	metricsSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	go housekeeping(ctx, relay, m, cfg.OutboxRetention, logger)

	if err := relay.Run(ctx); err != nil {
		logger.Error("relay stopped with error", zap.Error(err))
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	metricsSrv.Shutdown(sctx)

	sent, failed := producer.Stats()
	logger.Info("outbox relay stopped", zap.Int64("sent", sent), zap.Int64("failed", failed))
}

// housekeeping reports the backlog and prunes published entries.
func housekeeping(ctx context.Context, relay *postgres.Relay, m *metrics.Metrics, retention time.Duration, logger *zap.Logger) {
	statsTicker := time.NewTicker(15 * time.Second)
	defer statsTicker.Stop()
	cleanupTicker := time.NewTicker(time.Hour)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-statsTicker.C:
			stats, err := relay.Stats(ctx)
			if err != nil {
				logger.Warn("outbox stats", zap.Error(err))
				continue
			}
			m.OutboxPending.Set(float64(stats.Pending))
			if stats.OldestPending != nil && time.Since(*stats.OldestPending) > time.Minute {
				logger.Warn("outbox backlog is aging",
					zap.Int64("pending", stats.Pending),
					zap.Int64("retrying", stats.Retrying),
					zap.Time("oldest", *stats.OldestPending))
			}
		case <-cleanupTicker.C:
			n, err := relay.Cleanup(ctx, retention)
			if err != nil {
				logger.Warn("outbox cleanup", zap.Error(err))
				continue
			}
			logger.Info("outbox cleanup", zap.Int64("deleted", n))
		}
	}
}
