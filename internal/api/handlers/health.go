package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/drfirst/go-rxfill/pkg/circuitbreaker"
)

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness.
type HealthHandler struct {
	checks   map[string]Check
	breakers *circuitbreaker.Registry
}

// NewHealthHandler creates a health handler. breakers may be nil.
func NewHealthHandler(checks map[string]Check, breakers *circuitbreaker.Registry) *HealthHandler {
	return &HealthHandler{checks: checks, breakers: breakers}
}

// Live handles GET /healthz
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyResponse reports dependency status.
type ReadyResponse struct {
	Status   string                  `json:"status"`
	Checks   map[string]string       `json:"checks"`
	Breakers []circuitbreaker.Health `json:"breakers,omitempty"`
}

// Ready handles GET /readyz
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := ReadyResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp.Status = "unavailable"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}
	if h.breakers != nil {
		resp.Breakers = h.breakers.Health()
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
