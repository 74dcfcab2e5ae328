package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
)

// AlertService reads and acknowledges safety alerts.
type AlertService interface {
	Alerts(ctx context.Context, prescriptionID string) ([]prescription.Alert, error)
	Acknowledge(ctx context.Context, alertID, by string) (*prescription.Alert, error)
}

// AlertsResponse lists alerts.
type AlertsResponse struct {
	Alerts []prescription.Alert `json:"alerts"`
}

// AlertHandler handles alert endpoints
type AlertHandler struct {
	alerts AlertService
	logger *zap.Logger
}

// NewAlertHandler creates a new handler
func NewAlertHandler(alerts AlertService, logger *zap.Logger) *AlertHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertHandler{alerts: alerts, logger: logger}
}

// Routes returns the handler routes
func (h *AlertHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{alertID}/acknowledge", h.Acknowledge)
	return r
}

// AcknowledgeRequest names the acknowledging pharmacist.
type AcknowledgeRequest struct {
	AcknowledgedBy string `json:"acknowledged_by"`
}

// Acknowledge handles POST /alerts/{alertID}/acknowledge
func (h *AlertHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	var req AcknowledgeRequest
	if err := decode(w, r, &req, true); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	by, err := actor(r, req.AcknowledgedBy)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	a, err := h.alerts.Acknowledge(r.Context(), chi.URLParam(r, "alertID"), by)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
