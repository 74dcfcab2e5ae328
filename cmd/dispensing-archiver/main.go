// Package main provides the dispensing archiver entry point.
// It consumes the controlled substance log into the MongoDB regulatory archive.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/archiver"
	"github.com/drfirst/go-rxfill/internal/config"
	archive "github.com/drfirst/go-rxfill/internal/infrastructure/mongo"
	"github.com/drfirst/go-rxfill/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxfill/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxfill/internal/observability/logging"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
	"github.com/drfirst/go-rxfill/internal/observability/tracing"
	"github.com/drfirst/go-rxfill/pkg/circuitbreaker"
	"github.com/drfirst/go-rxfill/pkg/idempotency"
)

func main() {
	bootLogger, _ := zap.NewProduction()

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Fatal("load config", zap.Error(err))
	}
	if cfg.DatabaseURL == "" {
		bootLogger.Fatal("DATABASE_URL is required for the idempotency inbox")
	}
	logger, err := logging.New("dispensing-archiver", cfg.Env, cfg.LogLevel)
	if err != nil {
		bootLogger.Fatal("build logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  "dispensing-archiver",
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

	mcfg := archive.Config{URI: cfg.MongoURI, Database: cfg.MongoDatabase, Collection: cfg.MongoCollection}
	client, err := archive.Connect(ctx, mcfg)
	if err != nil {
		logger.Fatal("mongodb connection failed", zap.Error(err))
	}
	defer client.Disconnect(context.Background())
	store := archive.NewArchive(client, mcfg, logger)
	if err := store.EnsureIndexes(ctx); err != nil {
		logger.Fatal("archive indexes", zap.Error(err))
	}
	logger.Info("connected to archive", zap.String("database", mcfg.Database), zap.String("collection", mcfg.Collection))

	m := metrics.New()
	breakers := circuitbreaker.NewRegistry(logger)
	m.WatchBreakers(breakers)
	breaker, err := breakers.Get(circuitbreaker.DefaultConfig("mongo-archive"))
	if err != nil {
		logger.Fatal("circuit breaker", zap.Error(err))
	}

	inbox := idempotency.NewInbox(idempotency.NewPGStore(pool), idempotency.DefaultConfig(), logger)
	go inbox.Run(ctx)

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers()
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	arch := archiver.New(inbox, store, breaker, m, logger)

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Brokers()
	consumerCfg.GroupID = cfg.ArchiverGroup
	consumerCfg.Topics = []string{cfg.TopicControlled}
	consumerCfg.Workers = cfg.ArchiverWorkers
	consumer, err := redpanda.NewConsumer(consumerCfg, arch.Handle, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.OnGiveUp = archiver.DeadLetter(producer, cfg.TopicDeadLetter, logger)

	metricsSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	logger.Info("dispensing archiver started",
		zap.String("group", consumerCfg.GroupID),
		zap.Strings("topics", consumerCfg.Topics),
		zap.Int("workers", consumerCfg.Workers))
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped with error", zap.Error(err))
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	metricsSrv.Shutdown(sctx)
	logger.Info("dispensing archiver stopped")
}
