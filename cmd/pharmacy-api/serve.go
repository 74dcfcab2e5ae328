package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/api"
	"github.com/drfirst/go-rxfill/internal/api/handlers"
	"github.com/drfirst/go-rxfill/internal/api/middleware"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/domain/safety"
	"github.com/drfirst/go-rxfill/internal/infrastructure/memory"
	"github.com/drfirst/go-rxfill/internal/infrastructure/postgres"
	redislease "github.com/drfirst/go-rxfill/internal/infrastructure/redis"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
	"github.com/drfirst/go-rxfill/internal/observability/tracing"
	"github.com/drfirst/go-rxfill/pkg/circuitbreaker"
)

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

// storage is a prescription store that also administers stock.
type storage interface {
	prescription.Store
	handlers.Inventory
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(sctx)
	}()

	m := metrics.New()
	breakers := circuitbreaker.NewRegistry(logger)
	m.WatchBreakers(breakers)
	checks := map[string]handlers.Check{}

	var (
		store     storage
		catalog   prescription.DrugCatalog
		alertRepo safety.Repository
	)
	switch cfg.Store {
	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		logger.Info("connected to database")

		store = postgres.NewStore(pool, postgres.Routes{Events: cfg.TopicEvents, Controlled: cfg.TopicControlled}, logger)
		catalog = postgres.NewCatalog(pool)
		alertRepo = postgres.NewAlertRepository(pool)
		checks["postgres"] = pool.Ping
	default:
		mem := memory.NewStore()
		memCatalog := memory.NewCatalog(demoDrugs...)
		for _, d := range demoDrugs {
			mem.SetStock(d.ID, demoStock)
		}
		store, catalog, alertRepo = mem, memCatalog, memory.NewAlerts()
		logger.Warn("using in-memory storage; data is lost on restart", zap.Int("drugs", len(demoDrugs)))
	}

	opts := []prescription.Option{prescription.WithRecorder(m)}
	if cfg.RedisAddr != "" {
		rcfg := redislease.DefaultConfig()
		rcfg.Addr, rcfg.Password, rcfg.DB = cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB
		if cfg.LockTTL > 0 {
			rcfg.TTL = cfg.LockTTL
		}
		rdb, err := redislease.NewClient(ctx, rcfg)
		if err != nil {
			return err
		}
		defer rdb.Close()
		opts = append(opts, prescription.WithLocker(redislease.NewLocker(rdb, rcfg, logger)))
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		logger.Info("using redis prescription leases", zap.String("addr", rcfg.Addr))
	}

	safetySvc := safety.NewService(alertRepo, logger)
	bcfg := circuitbreaker.DefaultConfig("safety-alerts")
	bcfg.Ignore = safety.IsWorkflowError
	safetyBreaker, err := breakers.Get(bcfg)
	if err != nil {
		return err
	}
	workflow := prescription.NewService(store, catalog, safety.Guard(safetySvc, safetyBreaker), logger, opts...)

	auth, err := a.auth()
	if err != nil {
		return err
	}
	router := api.NewRouter(api.Deps{
		Workflow:       workflow,
		Alerts:         safetySvc,
		Inventory:      store,
		Drugs:          catalog,
		Auth:           auth,
		Metrics:        m,
		Checks:         checks,
		Breakers:       breakers,
		ServiceName:    cfg.ServiceName,
		CORSOrigins:    cfg.Origins(),
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting pharmacy API",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("store", cfg.Store),
			zap.String("auth", cfg.AuthMode))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func (a *app) auth() (func(http.Handler) http.Handler, error) {
	switch a.cfg.AuthMode {
	case "apikey":
		return middleware.APIKeyAuth(middleware.ParseAPIKeys(a.cfg.APIKeyList())), nil
	case "jwt":
		return middleware.JWTAuth(middleware.JWTConfig{
			Secret:   []byte(a.cfg.JWTSecret),
			Issuer:   a.cfg.JWTIssuer,
			Audience: a.cfg.JWTAudience,
		}, a.logger), nil
	case "none":
		a.logger.Warn("authentication disabled; callers are identified by the X-Actor-ID header")
		return middleware.Anonymous, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", a.cfg.AuthMode)
	}
}
