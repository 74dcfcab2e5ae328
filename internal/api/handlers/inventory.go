package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/api/middleware"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
)

// Inventory reads and credits stock outside a prescription.
type Inventory interface {
	Stock(ctx context.Context, drugID string) (int, error)
	Receive(ctx context.Context, drugID string, qty int) (int, error)
}

// InventoryHandler handles inventory administration
type InventoryHandler struct {
	stock  Inventory
	drugs  prescription.DrugCatalog
	logger *zap.Logger
}

// NewInventoryHandler creates a new handler
func NewInventoryHandler(stock Inventory, drugs prescription.DrugCatalog, logger *zap.Logger) *InventoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InventoryHandler{stock: stock, drugs: drugs, logger: logger}
}

// Routes returns the handler routes
func (h *InventoryHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{drugID}", h.Get)
	r.Post("/{drugID}/receive", h.Receive)
	return r
}

// StockResponse reports stock on hand for one drug.
type StockResponse struct {
	Drug              *prescription.Drug `json:"drug"`
	QuantityAvailable int                `json:"quantity_available"`
}

// Get handles GET /inventory/{drugID}
func (h *InventoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	drug, err := h.drugs.Drug(r.Context(), chi.URLParam(r, "drugID"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	qty, err := h.stock.Stock(r.Context(), drug.ID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, StockResponse{Drug: drug, QuantityAvailable: qty})
}

// ReceiveRequest is a manual stock credit.
type ReceiveRequest struct {
	Quantity int    `json:"quantity"`
	Reason   string `json:"reason"`
}

// Receive handles POST /inventory/{drugID}/receive
func (h *InventoryHandler) Receive(w http.ResponseWriter, r *http.Request) {
	var req ReceiveRequest
	if err := decode(w, r, &req, false); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	drug, err := h.drugs.Drug(r.Context(), chi.URLParam(r, "drugID"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	qty, err := h.stock.Receive(r.Context(), drug.ID, req.Quantity)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.logger.Info("stock received",
		zap.String("drug_id", drug.ID),
		zap.Int("quantity", req.Quantity),
		zap.Int("available", qty),
		zap.String("reason", req.Reason),
		zap.String("by", middleware.GetSubject(r.Context())))
	writeJSON(w, http.StatusOK, StockResponse{Drug: drug, QuantityAvailable: qty})
}
