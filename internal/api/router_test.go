package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/drfirst/go-rxfill/internal/api"
	"github.com/drfirst/go-rxfill/internal/api/handlers"
	"github.com/drfirst/go-rxfill/internal/api/middleware"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/domain/safety"
	"github.com/drfirst/go-rxfill/internal/infrastructure/memory"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
)

type server struct {
	*httptest.Server
	store *memory.Store
}

func newServer(t *testing.T, auth func(http.Handler) http.Handler) *server {
	t.Helper()
	store := memory.NewStore()
	catalog := memory.NewCatalog(
		prescription.Drug{ID: "amox", GenericName: "amoxicillin", Schedule: prescription.ScheduleNone, MaxDailyQuantity: 3},
		prescription.Drug{ID: "oxy", GenericName: "oxycodone", Schedule: prescription.ScheduleII},
		prescription.Drug{ID: "warf", GenericName: "warfarin", Schedule: prescription.ScheduleNone},
		prescription.Drug{ID: "asp", GenericName: "aspirin", Schedule: prescription.ScheduleNone},
	)
	alerts := safety.NewService(memory.NewAlerts(), nil)
	svc := prescription.NewService(store, catalog, alerts, nil)

	h := api.NewRouter(api.Deps{
		Workflow:  svc,
		Alerts:    alerts,
		Inventory: store,
		Drugs:     catalog,
		Auth:      auth,
		Metrics:   metrics.New(),
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &server{Server: srv, store: store}
}

func (s *server) do(t *testing.T, method, path, contentType, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set(middleware.ActorHeader, "rph-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func (s *server) json(t *testing.T, method, path string, body interface{}, want int, out interface{}) {
	t.Helper()
	var payload string
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		payload = string(b)
	}
	resp, data := s.do(t, method, path, "application/json", payload)
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", method, path, resp.StatusCode, want, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
	}
}

func createBody(items ...map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"patient":           map[string]string{"id": "pat-1", "name": "Ada Lovelace"},
		"prescriber":        map[string]string{"id": "doc-1", "name": "Dr. Grace Hopper", "dea": "AB1234563"},
		"prescription_date": "2024-05-02",
		"refills_allowed":   2,
		"items":             items,
	}
}

func line(drugID string, qty int) map[string]interface{} {
	return map[string]interface{}{"drug_id": drugID, "quantity": qty, "dosage_instructions": "as directed", "day_supply": 30}
}

func (s *server) create(t *testing.T, items ...map[string]interface{}) prescription.CreateResult {
	t.Helper()
	var res prescription.CreateResult
	s.json(t, http.MethodPost, "/api/v1/prescriptions", createBody(items...), http.StatusCreated, &res)
	return res
}

func TestLifecycle(t *testing.T) {
	s := newServer(t, nil)
	s.store.SetStock("amox", 100)
	s.store.SetStock("oxy", 50)

	res := s.create(t, line("amox", 30), line("oxy", 20))
	id := res.Prescription.ID
	if res.Prescription.Status != prescription.StatusPending {
		t.Fatalf("status = %s, want pending", res.Prescription.Status)
	}

	var p prescription.Prescription
	s.json(t, http.MethodPost, "/api/v1/prescriptions/"+id+"/verify", map[string]string{"pharmacist_id": "rph-7"}, http.StatusOK, &p)
	if p.Status != prescription.StatusVerified || p.Verified == nil || p.Verified.By != "rph-7" {
		t.Fatalf("after verify: %+v", p)
	}

	// No body: the pharmacist defaults to the caller.
	s.json(t, http.MethodPost, "/api/v1/prescriptions/"+id+"/fill", nil, http.StatusOK, &p)
	if p.Status != prescription.StatusFilled {
		t.Fatalf("status = %s, want filled", p.Status)
	}
	for _, it := range p.Items {
		if it.QuantityDispensed != it.QuantityPrescribed {
			t.Errorf("item %s dispensed %d of %d", it.DrugID, it.QuantityDispensed, it.QuantityPrescribed)
		}
	}

	s.json(t, http.MethodPost, "/api/v1/prescriptions/"+id+"/dispense", nil, http.StatusOK, &p)
	if p.Status != prescription.StatusDispensed || p.Dispensed == nil || p.Dispensed.By != "rph-1" {
		t.Fatalf("after dispense: %+v", p)
	}

	var stock handlers.StockResponse
	s.json(t, http.MethodGet, "/api/v1/inventory/amox", nil, http.StatusOK, &stock)
	if stock.QuantityAvailable != 70 {
		t.Errorf("amox stock = %d, want 70", stock.QuantityAvailable)
	}
	if got := s.store.DispensingEntries(); len(got) != 1 || got[0].DrugID != "oxy" || got[0].PharmacistID != "rph-1" {
		t.Errorf("dispensing log = %+v", got)
	}

	var body handlers.ErrorBody
	s.json(t, http.MethodPost, "/api/v1/prescriptions/"+id+"/cancel", map[string]string{"reason": "late"}, http.StatusConflict, &body)
	if body.Error.Kind != string(prescription.KindInvalidState) {
		t.Errorf("kind = %s, want invalid_state", body.Error.Kind)
	}
}

func TestVerifyInsufficientInventory(t *testing.T) {
	s := newServer(t, nil)
	s.store.SetStock("amox", 10)

	res := s.create(t, line("amox", 30))

	var body handlers.ErrorBody
	s.json(t, http.MethodPost, "/api/v1/prescriptions/"+res.Prescription.ID+"/verify", nil, http.StatusConflict, &body)
	e := body.Error
	if e.Kind != string(prescription.KindInsufficientInventory) || e.DrugID != "amox" || e.DrugName != "amoxicillin" {
		t.Fatalf("error = %+v", e)
	}
	if e.Available == nil || *e.Available != 10 || e.Required == nil || *e.Required != 30 {
		t.Fatalf("shortage = %v/%v, want 10/30", e.Available, e.Required)
	}
}

func TestCriticalAlertBlocksUntilAcknowledged(t *testing.T) {
	s := newServer(t, nil)
	s.store.SetStock("warf", 100)
	s.store.SetStock("asp", 100)

	res := s.create(t, line("warf", 30), line("asp", 30))
	var critical *prescription.Alert
	for i, a := range res.Alerts {
		if a.Severity == prescription.SeverityCritical {
			critical = &res.Alerts[i]
		}
	}
	if critical == nil {
		t.Fatalf("no critical alert in %+v", res.Alerts)
	}
	id := res.Prescription.ID

	var body handlers.ErrorBody
	s.json(t, http.MethodPost, "/api/v1/prescriptions/"+id+"/verify", nil, http.StatusConflict, &body)
	if body.Error.Kind != string(prescription.KindSafetyBlocked) {
		t.Fatalf("kind = %s, want safety_blocked", body.Error.Kind)
	}

	var acked prescription.Alert
	s.json(t, http.MethodPost, "/api/v1/alerts/"+critical.ID+"/acknowledge", map[string]string{"acknowledged_by": "rph-9"}, http.StatusOK, &acked)
	if !acked.Acknowledged || acked.AcknowledgedBy != "rph-9" {
		t.Fatalf("acknowledged alert = %+v", acked)
	}

	var listed handlers.AlertsResponse
	s.json(t, http.MethodGet, "/api/v1/prescriptions/"+id+"/alerts", nil, http.StatusOK, &listed)
	if len(listed.Alerts) != len(res.Alerts) {
		t.Errorf("listed %d alerts, want %d", len(listed.Alerts), len(res.Alerts))
	}

	s.json(t, http.MethodPost, "/api/v1/prescriptions/"+id+"/verify", nil, http.StatusOK, nil)
}

func TestErrorMapping(t *testing.T) {
	s := newServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		kind   prescription.Kind
	}{
		{"unknown prescription", http.MethodGet, "/api/v1/prescriptions/nope", "", http.StatusNotFound, prescription.KindNotFound},
		{"bad status filter", http.MethodGet, "/api/v1/prescriptions?status=lost", "", http.StatusBadRequest, prescription.KindValidation},
		{"bad date filter", http.MethodGet, "/api/v1/prescriptions?start_date=yesterday", "", http.StatusBadRequest, prescription.KindValidation},
		{"unknown drug", http.MethodPost, "/api/v1/prescriptions", mustJSON(t, createBody(line("nope", 1))), http.StatusNotFound, prescription.KindNotFound},
		{"no items", http.MethodPost, "/api/v1/prescriptions", mustJSON(t, createBody()), http.StatusBadRequest, prescription.KindValidation},
		{"malformed body", http.MethodPost, "/api/v1/prescriptions", "{", http.StatusBadRequest, prescription.KindValidation},
		{"unknown alert", http.MethodPost, "/api/v1/alerts/nope/acknowledge", "", http.StatusNotFound, prescription.KindNotFound},
		{"unknown inventory drug", http.MethodGet, "/api/v1/inventory/nope", "", http.StatusNotFound, prescription.KindNotFound},
		{"non-positive receipt", http.MethodPost, "/api/v1/inventory/amox/receive", `{"quantity":0}`, http.StatusBadRequest, prescription.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := s.do(t, tt.method, tt.path, "application/json", tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d: %s", resp.StatusCode, tt.status, data)
			}
			var body handlers.ErrorBody
			if err := json.Unmarshal(data, &body); err != nil {
				t.Fatal(err)
			}
			if body.Error.Kind != string(tt.kind) {
				t.Errorf("kind = %s, want %s", body.Error.Kind, tt.kind)
			}
			if body.Error.RequestID == "" {
				t.Error("request id missing from error body")
			}
		})
	}
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestSearchAndUpdate(t *testing.T) {
	s := newServer(t, nil)
	first := s.create(t, line("amox", 30))
	s.create(t, line("amox", 60))

	var found handlers.SearchResponse
	s.json(t, http.MethodGet, "/api/v1/prescriptions?patient_id=pat-1&status=pending&start_date=2024-05-02&end_date=2024-05-02", nil, http.StatusOK, &found)
	if found.Count != 2 {
		t.Fatalf("count = %d, want 2", found.Count)
	}
	s.json(t, http.MethodGet, "/api/v1/prescriptions?prescriber_id=someone-else", nil, http.StatusOK, &found)
	if found.Count != 0 || found.Prescriptions == nil {
		t.Fatalf("want an empty list, got %+v", found)
	}

	itemID := first.Prescription.Items[0].ID
	patch := map[string]interface{}{
		"refills_allowed": 5,
		"notes":           "patient prefers blister packs",
		"items":           []map[string]interface{}{{"id": itemID, "quantity_prescribed": 45}},
	}
	var p prescription.Prescription
	s.json(t, http.MethodPatch, "/api/v1/prescriptions/"+first.Prescription.ID, patch, http.StatusOK, &p)
	if p.RefillsAllowed != 5 || p.RefillsRemaining != 5 || p.Items[0].QuantityPrescribed != 45 {
		t.Fatalf("after patch: %+v", p)
	}
	if n := len(p.Notes); n != 1 || p.Notes[0].Author != "rph-1" {
		t.Fatalf("notes = %+v", p.Notes)
	}

	bad := map[string]interface{}{"items": []map[string]interface{}{{"id": "missing", "day_supply": 10}}}
	var body handlers.ErrorBody
	s.json(t, http.MethodPatch, "/api/v1/prescriptions/"+first.Prescription.ID, bad, http.StatusBadRequest, &body)
}

func TestNotes(t *testing.T) {
	s := newServer(t, nil)
	id := s.create(t, line("amox", 30)).Prescription.ID
	path := "/api/v1/prescriptions/" + id + "/notes"

	var entry prescription.NoteEntry
	s.json(t, http.MethodPost, path, map[string]string{"text": "called prescriber"}, http.StatusCreated, &entry)
	if entry.Author != "rph-1" || entry.Text != "called prescriber" {
		t.Fatalf("entry = %+v", entry)
	}

	blob := "[2024-04-30T10:00:00.000Z] (tech-2) counted twice\nscribbled margin note\n"
	resp, data := s.do(t, http.MethodPost, path, "text/plain; charset=utf-8", blob)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("import status = %d: %s", resp.StatusCode, data)
	}
	var imported handlers.NotesResponse
	if err := json.Unmarshal(data, &imported); err != nil {
		t.Fatal(err)
	}
	if len(imported.Notes) != 2 || imported.Notes[0].Author != "tech-2" || imported.Notes[1].Author != prescription.UnknownAuthor {
		t.Fatalf("imported = %+v", imported.Notes)
	}

	resp, data = s.do(t, http.MethodGet, path+"?format=text", "", "")
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %s", ct)
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) != 3 {
		t.Fatalf("rendered %d lines, want 3:\n%s", len(lines), data)
	}
	if !strings.HasSuffix(lines[0], "(rph-1) called prescriber") {
		t.Errorf("first line = %q", lines[0])
	}

	var listed handlers.NotesResponse
	s.json(t, http.MethodGet, path, nil, http.StatusOK, &listed)
	if len(listed.Notes) != 3 {
		t.Errorf("listed %d notes, want 3", len(listed.Notes))
	}
}

func TestNotesRejectsOversizedBody(t *testing.T) {
	s := newServer(t, nil)
	id := s.create(t, line("amox", 30)).Prescription.ID
	path := "/api/v1/prescriptions/" + id + "/notes"

	blob := strings.Repeat("[2024-04-30T10:00:00.000Z] (tech-2) counted twice\n", 30000)
	for name, req := range map[string]*http.Request{
		"text blob": httptest.NewRequest(http.MethodPost, path, strings.NewReader(blob)),
		"json":      httptest.NewRequest(http.MethodPost, path, strings.NewReader(mustJSON(t, map[string]string{"text": blob}))),
	} {
		if name == "text blob" {
			req.Header.Set("Content-Type", "text/plain")
		} else {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set(middleware.ActorHeader, "rph-1")
		rec := httptest.NewRecorder()
		s.Config.Handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400: %s", name, rec.Code, rec.Body.String())
		}
		var body handlers.ErrorBody
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if body.Error.Kind != string(prescription.KindValidation) || !strings.Contains(body.Error.Message, "exceeds") {
			t.Errorf("%s: error = %+v", name, body.Error)
		}
	}

	var listed handlers.NotesResponse
	s.json(t, http.MethodGet, path, nil, http.StatusOK, &listed)
	if len(listed.Notes) != 0 {
		t.Errorf("stored %d notes from rejected bodies", len(listed.Notes))
	}
}

func TestAuthenticatedCallerCannotActAsSomeoneElse(t *testing.T) {
	s := newServer(t, middleware.APIKeyAuth(map[string]string{"secret-key": "rph-front"}))
	s.store.SetStock("amox", 100)

	call := func(method, path string, body interface{}) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(mustJSON(t, body)))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", "secret-key")
		req.Header.Set(middleware.ActorHeader, "rph-spoofed")
		rec := httptest.NewRecorder()
		s.Config.Handler.ServeHTTP(rec, req)
		return rec
	}

	rec := call(http.MethodPost, "/api/v1/prescriptions", createBody(line("amox", 30)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var res prescription.CreateResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	verify := "/api/v1/prescriptions/" + res.Prescription.ID + "/verify"

	rec = call(http.MethodPost, verify, map[string]string{"pharmacist_id": "rph-other"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("verify as another pharmacist: status = %d, want 400", rec.Code)
	}

	rec = call(http.MethodPost, verify, map[string]string{"pharmacist_id": "rph-front"})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: status = %d: %s", rec.Code, rec.Body.String())
	}
	var p prescription.Prescription
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.Verified == nil || p.Verified.By != "rph-front" {
		t.Errorf("verified stamp = %+v, want the key's client", p.Verified)
	}
}

func TestInventoryReceive(t *testing.T) {
	s := newServer(t, nil)
	s.store.SetStock("amox", 5)

	var stock handlers.StockResponse
	s.json(t, http.MethodPost, "/api/v1/inventory/amox/receive", map[string]interface{}{"quantity": 20, "reason": "returned after cancel"}, http.StatusOK, &stock)
	if stock.QuantityAvailable != 25 || stock.Drug == nil || stock.Drug.GenericName != "amoxicillin" {
		t.Fatalf("stock = %+v", stock)
	}
}

func TestFHIRExport(t *testing.T) {
	s := newServer(t, nil)
	id := s.create(t, line("amox", 30)).Prescription.ID

	resp, data := s.do(t, http.MethodGet, "/api/v1/prescriptions/"+id+"/fhir", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/fhir+json" {
		t.Errorf("content type = %s", ct)
	}
	var bundle struct {
		ResourceType string `json:"resourceType"`
		Entry        []struct {
			Resource struct {
				ResourceType string `json:"resourceType"`
				Status       string `json:"status"`
			} `json:"resource"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(data, &bundle); err != nil {
		t.Fatal(err)
	}
	if bundle.ResourceType != "Bundle" || len(bundle.Entry) != 1 {
		t.Fatalf("bundle = %+v", bundle)
	}
	if r := bundle.Entry[0].Resource; r.ResourceType != "MedicationRequest" || r.Status != "active" {
		t.Errorf("resource = %+v", r)
	}
}

func TestAPIKeyAuthGuardsAPI(t *testing.T) {
	s := newServer(t, middleware.APIKeyAuth(map[string]string{"secret-key": "front-desk"}))

	resp, err := http.Get(s.URL + "/api/v1/prescriptions")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, s.URL+"/api/v1/prescriptions", bytes.NewBufferString(mustJSON(t, createBody(line("amox", 3)))))
	req.Header.Set("X-API-Key", "secret-key")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var res prescription.CreateResult
	json.NewDecoder(resp.Body).Decode(&res)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if res.Prescription == nil || res.Prescription.ID == "" {
		t.Fatalf("create result = %+v", res)
	}

	// Health stays open.
	resp, err = http.Get(s.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newServer(t, nil)
	s.do(t, http.MethodGet, "/api/v1/prescriptions/abc", "", "")

	resp, data := s.do(t, http.MethodGet, "/metrics", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	want := `route="/api/v1/prescriptions/{id}`
	if !strings.Contains(string(data), "rxfill_http_requests_total") || !strings.Contains(string(data), want) {
		t.Errorf("metrics output lacks %s:\n%s", want, data)
	}
}
