// Package handlers provides HTTP handlers for the pharmacy API.
package handlers

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/api/middleware"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	fhir "github.com/drfirst/go-rxfill/internal/fhir/r5"
)

// Workflow is the prescription engine as seen by the API.
type Workflow interface {
	Create(ctx context.Context, in prescription.CreateInput) (*prescription.CreateResult, error)
	Get(ctx context.Context, id string) (*prescription.Prescription, error)
	Search(ctx context.Context, f prescription.Filter) ([]*prescription.Prescription, error)
	Verify(ctx context.Context, id, pharmacistID string) (*prescription.Prescription, error)
	Fill(ctx context.Context, id, pharmacistID string) (*prescription.Prescription, error)
	Dispense(ctx context.Context, id, pharmacistID string) (*prescription.Prescription, error)
	Cancel(ctx context.Context, id, reason, actorID string) (*prescription.Prescription, error)
	Update(ctx context.Context, id string, patch prescription.Patch) (*prescription.Prescription, error)
	AddNote(ctx context.Context, id, text, authorID string) (*prescription.NoteEntry, error)
	ImportNotes(ctx context.Context, id, blob, authorID string) ([]prescription.NoteEntry, error)
	Notes(ctx context.Context, id string) ([]prescription.NoteEntry, error)
}

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	workflow Workflow
	alerts   AlertService
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewPrescriptionHandler creates a new handler
func NewPrescriptionHandler(workflow Workflow, alerts AlertService, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{
		workflow: workflow,
		alerts:   alerts,
		logger:   logger,
		tracer:   otel.Tracer("prescription-handler"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Routes returns the handler routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.Search)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Patch("/", h.Update)
		r.Post("/verify", h.Verify)
		r.Post("/fill", h.Fill)
		r.Post("/dispense", h.Dispense)
		r.Post("/cancel", h.Cancel)
		r.Get("/notes", h.GetNotes)
		r.Post("/notes", h.AddNote)
		r.Get("/alerts", h.Alerts)
		r.Get("/fhir", h.FHIR)
	})
	return r
}

// CreateRequest is the request body for creating a prescription
type CreateRequest struct {
	Patient          prescription.PatientRef `json:"patient"`
	Prescriber       prescription.Prescriber `json:"prescriber"`
	PrescriptionDate string                  `json:"prescription_date"`
	RefillsAllowed   int                     `json:"refills_allowed"`
	Notes            string                  `json:"notes"`
	Items            []ItemRequest           `json:"items"`
}

// ItemRequest is one requested drug line.
type ItemRequest struct {
	DrugID             string `json:"drug_id"`
	Quantity           int    `json:"quantity"`
	DosageInstructions string `json:"dosage_instructions"`
	DaySupply          int    `json:"day_supply"`
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_prescription")
	defer span.End()

	var req CreateRequest
	if err := decode(w, r, &req, false); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	date, _, err := parseDate("prescription_date", req.PrescriptionDate)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	in := prescription.CreateInput{
		Patient:          req.Patient,
		Prescriber:       req.Prescriber,
		PrescriptionDate: date,
		RefillsAllowed:   req.RefillsAllowed,
		Notes:            req.Notes,
		Items:            make([]prescription.ItemInput, 0, len(req.Items)),
		CreatedBy:        middleware.GetSubject(ctx),
	}
	for _, it := range req.Items {
		in.Items = append(in.Items, prescription.ItemInput{
			DrugID:             it.DrugID,
			Quantity:           it.Quantity,
			DosageInstructions: it.DosageInstructions,
			DaySupply:          it.DaySupply,
		})
	}

	res, err := h.workflow.Create(ctx, in)
	if err != nil {
		span.RecordError(err)
		writeError(w, r, h.logger, err)
		return
	}
	span.SetAttributes(attribute.String("prescription_id", res.Prescription.ID))
	if res.Alerts == nil {
		res.Alerts = []prescription.Alert{}
	}

	h.logger.Info("prescription created",
		zap.String("id", res.Prescription.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.Int("alerts", len(res.Alerts)),
	)
	w.Header().Set("Location", "/api/v1/prescriptions/"+res.Prescription.ID)
	writeJSON(w, http.StatusCreated, res)
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.workflow.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Prescriptions []*prescription.Prescription `json:"prescriptions"`
	Count         int                          `json:"count"`
}

// Search handles GET /prescriptions
func (h *PrescriptionHandler) Search(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	list, err := h.workflow.Search(r.Context(), f)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []*prescription.Prescription{}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Prescriptions: list, Count: len(list)})
}

func filterFromQuery(r *http.Request) (prescription.Filter, error) {
	q := r.URL.Query()
	f := prescription.Filter{
		PrescriberID: q.Get("prescriber_id"),
		PatientID:    q.Get("patient_id"),
	}
	if s := q.Get("status"); s != "" {
		st, err := prescription.ParseStatus(s)
		if err != nil {
			return f, err
		}
		f.Status = st
	}
	if s := q.Get("start_date"); s != "" {
		t, _, err := parseDate("start_date", s)
		if err != nil {
			return f, err
		}
		f.StartDate = &t
	}
	if s := q.Get("end_date"); s != "" {
		t, dateOnly, err := parseDate("end_date", s)
		if err != nil {
			return f, err
		}
		// A calendar end date covers the whole day.
		if dateOnly {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		f.EndDate = &t
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, prescription.Validation("limit must be a non-negative integer, got %q", s)
		}
		f.Limit = n
	}
	return f, nil
}

// UpdateRequest is a partial update. Absent fields are left unchanged.
type UpdateRequest struct {
	Notes            *string             `json:"notes"`
	PrescriptionDate *string             `json:"prescription_date"`
	RefillsAllowed   *int                `json:"refills_allowed"`
	Items            []ItemUpdateRequest `json:"items"`
}

// ItemUpdateRequest changes one item addressed by id.
type ItemUpdateRequest struct {
	ID                 string  `json:"id"`
	QuantityPrescribed *int    `json:"quantity_prescribed"`
	DosageInstructions *string `json:"dosage_instructions"`
	DaySupply          *int    `json:"day_supply"`
}

// Update handles PATCH /prescriptions/{id}
func (h *PrescriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := decode(w, r, &req, false); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	patch := prescription.Patch{
		Notes:          req.Notes,
		RefillsAllowed: req.RefillsAllowed,
		UpdatedBy:      middleware.GetSubject(r.Context()),
	}
	if req.PrescriptionDate != nil {
		t, _, err := parseDate("prescription_date", *req.PrescriptionDate)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		patch.PrescriptionDate = &t
	}
	for _, it := range req.Items {
		patch.Items = append(patch.Items, prescription.ItemPatch{
			ID:                 it.ID,
			QuantityPrescribed: it.QuantityPrescribed,
			DosageInstructions: it.DosageInstructions,
			DaySupply:          it.DaySupply,
		})
	}

	p, err := h.workflow.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ActionRequest names the pharmacist performing a step.
type ActionRequest struct {
	PharmacistID string `json:"pharmacist_id"`
}

type transitionFunc func(ctx context.Context, id, pharmacistID string) (*prescription.Prescription, error)

func (h *PrescriptionHandler) transition(name string, fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), name+"_prescription")
		defer span.End()

		var req ActionRequest
		if err := decode(w, r, &req, true); err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		id := chi.URLParam(r, "id")
		span.SetAttributes(attribute.String("prescription_id", id))

		pharmacistID, err := actor(r, req.PharmacistID)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		p, err := fn(ctx, id, pharmacistID)
		if err != nil {
			span.RecordError(err)
			writeError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// Verify handles POST /prescriptions/{id}/verify
func (h *PrescriptionHandler) Verify(w http.ResponseWriter, r *http.Request) {
	h.transition("verify", h.workflow.Verify)(w, r)
}

// Fill handles POST /prescriptions/{id}/fill
func (h *PrescriptionHandler) Fill(w http.ResponseWriter, r *http.Request) {
	h.transition("fill", h.workflow.Fill)(w, r)
}

// Dispense handles POST /prescriptions/{id}/dispense
func (h *PrescriptionHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	h.transition("dispense", h.workflow.Dispense)(w, r)
}

// CancelRequest is the request body for cancelling a prescription
type CancelRequest struct {
	Reason  string `json:"reason"`
	ActorID string `json:"actor_id"`
}

// Cancel handles POST /prescriptions/{id}/cancel
func (h *PrescriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := decode(w, r, &req, false); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	by, err := actor(r, req.ActorID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	p, err := h.workflow.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason, by)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// NotesResponse lists note entries.
type NotesResponse struct {
	Notes []prescription.NoteEntry `json:"notes"`
}

// GetNotes handles GET /prescriptions/{id}/notes. With format=text the log is
// rendered as a newline-delimited blob.
func (h *PrescriptionHandler) GetNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := h.workflow.Notes(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, prescription.FormatNotes(notes))
		return
	}
	if notes == nil {
		notes = []prescription.NoteEntry{}
	}
	writeJSON(w, http.StatusOK, NotesResponse{Notes: notes})
}

// NoteRequest is the request body for adding a note
type NoteRequest struct {
	Text     string `json:"text"`
	AuthorID string `json:"author_id"`
}

// AddNote handles POST /prescriptions/{id}/notes. A text/plain body is
// imported as a legacy note blob.
func (h *PrescriptionHandler) AddNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "text/plain" {
		blob, err := readBody(w, r)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		entries, err := h.workflow.ImportNotes(r.Context(), id, string(blob), middleware.GetSubject(r.Context()))
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, NotesResponse{Notes: entries})
		return
	}

	var req NoteRequest
	if err := decode(w, r, &req, false); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	author, err := actor(r, req.AuthorID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	entry, err := h.workflow.AddNote(r.Context(), id, req.Text, author)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// Alerts handles GET /prescriptions/{id}/alerts
func (h *PrescriptionHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.workflow.Get(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	alerts, err := h.alerts.Alerts(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if alerts == nil {
		alerts = []prescription.Alert{}
	}
	writeJSON(w, http.StatusOK, AlertsResponse{Alerts: alerts})
}

// FHIR handles GET /prescriptions/{id}/fhir
func (h *PrescriptionHandler) FHIR(w http.ResponseWriter, r *http.Request) {
	p, err := h.workflow.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(http.StatusOK)
	encodeTo(w, fhir.Export(p, h.now()))
}
