// Package api assembles the pharmacy HTTP surface.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/api/handlers"
	"github.com/drfirst/go-rxfill/internal/api/middleware"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/pkg/circuitbreaker"
)

// Deps are the collaborators the router mounts.
type Deps struct {
	Workflow  handlers.Workflow
	Alerts    handlers.AlertService
	Inventory handlers.Inventory
	Drugs     prescription.DrugCatalog

	// Auth guards /api/v1. Nil trusts the X-Actor-ID header.
	Auth func(http.Handler) http.Handler
	// Metrics serves /metrics and observes requests when set.
	Metrics interface {
		middleware.HTTPObserver
		Handler() http.Handler
	}
	Checks   map[string]handlers.Check
	Breakers *circuitbreaker.Registry

	ServiceName    string
	CORSOrigins    []string
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.ServiceName == "" {
		d.ServiceName = "pharmacy-api"
	}
	auth := d.Auth
	if auth == nil {
		auth = middleware.Anonymous
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(d.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(d.ServiceName))
	if d.Metrics != nil {
		r.Use(middleware.Metrics(d.Metrics))
	}

	health := handlers.NewHealthHandler(d.Checks, d.Breakers)
	r.Get("/healthz", health.Live)
	r.Get("/readyz", health.Ready)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if d.RequestTimeout > 0 {
			r.Use(chimw.Timeout(d.RequestTimeout))
		}
		r.Use(auth)
		r.Mount("/prescriptions", handlers.NewPrescriptionHandler(d.Workflow, d.Alerts, logger).Routes())
		r.Mount("/alerts", handlers.NewAlertHandler(d.Alerts, logger).Routes())
		r.Mount("/inventory", handlers.NewInventoryHandler(d.Inventory, d.Drugs, logger).Routes())
	})
	return r
}
