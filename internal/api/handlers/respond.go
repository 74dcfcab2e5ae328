package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/api/middleware"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
)

// maxBody bounds request bodies, note blobs included.
const maxBody = 1 << 20

// ErrorBody is the envelope of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure. Shortage fields are set for
// insufficient_inventory.
type ErrorDetail struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	DrugID    string `json:"drug_id,omitempty"`
	DrugName  string `json:"drug_name,omitempty"`
	Available *int   `json:"available,omitempty"`
	Required  *int   `json:"required,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// StatusFor maps a workflow error kind to an HTTP status.
func StatusFor(kind prescription.Kind) int {
	switch kind {
	case prescription.KindNotFound:
		return http.StatusNotFound
	case prescription.KindValidation:
		return http.StatusBadRequest
	case prescription.KindInvalidState,
		prescription.KindSafetyBlocked,
		prescription.KindInsufficientInventory,
		prescription.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	encodeTo(w, v)
}

func encodeTo(w io.Writer, v interface{}) {
	json.NewEncoder(w).Encode(v)
}

// writeError renders err. Errors outside the workflow taxonomy are logged and
// reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	reqID := middleware.GetRequestID(r.Context())

	var werr *prescription.Error
	if !errors.As(err, &werr) {
		logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", reqID),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorBody{Error: ErrorDetail{
			Kind:      "internal_error",
			Message:   "internal server error",
			RequestID: reqID,
		}})
		return
	}

	d := ErrorDetail{Kind: string(werr.Kind), Message: werr.Message, RequestID: reqID}
	if werr.Kind == prescription.KindInsufficientInventory {
		available, required := werr.Available, werr.Required
		d.DrugID, d.DrugName = werr.DrugID, werr.DrugName
		d.Available, d.Required = &available, &required
	}
	writeJSON(w, StatusFor(werr.Kind), ErrorBody{Error: d})
}

// decode reads a JSON body. An empty body leaves v untouched when optional is set.
func decode(w http.ResponseWriter, r *http.Request, v interface{}, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return bodyError(err)
	}
	return nil
}

// readBody reads a raw body of at most maxBody bytes.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		return nil, bodyError(err)
	}
	return b, nil
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return prescription.Validation("request body exceeds %d bytes", tooLarge.Limit)
	}
	return prescription.Validation("invalid request body: %v", err)
}

// parseDate accepts a calendar date or an RFC 3339 timestamp.
func parseDate(field, s string) (time.Time, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, true, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), false, nil
	}
	return time.Time{}, false, prescription.Validation("%s must be YYYY-MM-DD or RFC 3339, got %q", field, s)
}

// actor picks who performs an operation. An authenticated caller acts as
// itself; an explicit actor naming someone else is rejected. Without
// authentication an explicit actor wins over the X-Actor-ID header.
func actor(r *http.Request, explicit string) (string, error) {
	explicit = strings.TrimSpace(explicit)
	subject := middleware.GetSubject(r.Context())
	if middleware.IsAuthenticated(r.Context()) {
		if explicit != "" && explicit != subject {
			return "", prescription.Validation("caller %s cannot act as %s", subject, explicit)
		}
		return subject, nil
	}
	if explicit != "" {
		return explicit, nil
	}
	return subject, nil
}
