package prescription_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/domain/safety"
	"github.com/drfirst/go-rxfill/internal/infrastructure/memory"
)

var testDrugs = []prescription.Drug{
	{ID: "amox", GenericName: "amoxicillin", Schedule: prescription.ScheduleNone, MaxDailyQuantity: 3},
	{ID: "lisin", GenericName: "lisinopril", Schedule: prescription.ScheduleNone},
	{ID: "oxy", GenericName: "oxycodone", Schedule: prescription.ScheduleII, MaxDailyQuantity: 6},
	{ID: "warf", GenericName: "warfarin", Schedule: prescription.ScheduleNone},
	{ID: "asp", GenericName: "aspirin", Schedule: prescription.ScheduleNone},
	{ID: "ibu", GenericName: "ibuprofen", Schedule: prescription.ScheduleNone},
}

type recorder struct {
	mu       sync.Mutex
	failures int
	outcomes map[string]int
}

func (r *recorder) ObserveOperation(op, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[string]int)
	}
	r.outcomes[op+":"+outcome]++
}

func (r *recorder) AlertGenerationFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
}

type fixture struct {
	store    *memory.Store
	alerts   *memory.Alerts
	safety   *safety.Service
	recorder *recorder
	svc      *prescription.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.NewStore(),
		alerts:   memory.NewAlerts(),
		recorder: &recorder{},
	}
	f.safety = safety.NewService(f.alerts, nil)

	var mu sync.Mutex
	clock := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	f.svc = prescription.NewService(f.store, memory.NewCatalog(testDrugs...), f.safety, nil,
		prescription.WithRecorder(f.recorder),
		prescription.WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		}))
	return f
}

func item(drugID string, qty int) prescription.ItemInput {
	return prescription.ItemInput{DrugID: drugID, Quantity: qty, DosageInstructions: "as directed", DaySupply: 30}
}

func input(items ...prescription.ItemInput) prescription.CreateInput {
	return prescription.CreateInput{
		Patient:        prescription.PatientRef{ID: "pat-1", Name: "Ada Lovelace"},
		Prescriber:     prescription.Prescriber{ID: "doc-1", Name: "Dr. Grey", License: "MD-1", DEA: "AG1234563"},
		RefillsAllowed: 2,
		Items:          items,
	}
}

func (f *fixture) create(t *testing.T, in prescription.CreateInput) *prescription.Prescription {
	t.Helper()
	res, err := f.svc.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return res.Prescription
}

func (f *fixture) status(t *testing.T, id string) prescription.Status {
	t.Helper()
	p, err := f.svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return p.Status
}

func wantKind(t *testing.T, err error, kind prescription.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := prescription.KindOf(err); got != kind {
		t.Fatalf("expected %s error, got %q (%v)", kind, got, err)
	}
}

func TestCreate_PendingWithFullRefills(t *testing.T) {
	for _, refills := range []int{0, 1, 5} {
		f := newFixture(t)
		in := input(item("amox", 30), item("lisin", 30))
		in.RefillsAllowed = refills

		p := f.create(t, in)

		if p.Status != prescription.StatusPending {
			t.Errorf("status = %s", p.Status)
		}
		if p.RefillsRemaining != refills || p.RefillsAllowed != refills {
			t.Errorf("refills = %d/%d, want %d/%d", p.RefillsRemaining, p.RefillsAllowed, refills, refills)
		}
		if p.Version != 1 {
			t.Errorf("version = %d", p.Version)
		}
		for _, it := range p.Items {
			if it.QuantityDispensed != 0 {
				t.Errorf("item %s dispensed %d", it.DrugID, it.QuantityDispensed)
			}
			if it.Drug == nil || it.Drug.ID != it.DrugID {
				t.Errorf("item %s drug not resolved", it.DrugID)
			}
		}
	}
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*prescription.CreateInput)
		kind prescription.Kind
	}{
		{"no items", func(in *prescription.CreateInput) { in.Items = nil }, prescription.KindValidation},
		{"zero quantity", func(in *prescription.CreateInput) { in.Items[0].Quantity = 0 }, prescription.KindValidation},
		{"negative refills", func(in *prescription.CreateInput) { in.RefillsAllowed = -1 }, prescription.KindValidation},
		{"missing patient", func(in *prescription.CreateInput) { in.Patient.ID = "" }, prescription.KindValidation},
		{"missing prescriber", func(in *prescription.CreateInput) { in.Prescriber.Name = " " }, prescription.KindValidation},
		{"unknown drug", func(in *prescription.CreateInput) { in.Items[0].DrugID = "nope" }, prescription.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			in := input(item("amox", 10))
			tt.mod(&in)
			_, err := f.svc.Create(context.Background(), in)
			wantKind(t, err, tt.kind)
			if n := len(f.store.Events()); n != 0 {
				t.Errorf("%d events emitted for rejected create", n)
			}
		})
	}
}

func TestCreate_InitialNotesAndAlerts(t *testing.T) {
	f := newFixture(t)
	in := input(item("warf", 30), item("asp", 30))
	in.Notes = "take with food"

	res, err := f.svc.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(res.Prescription.Notes) != 1 || res.Prescription.Notes[0].Author != "doc-1" {
		t.Fatalf("notes = %+v", res.Prescription.Notes)
	}
	if len(res.Alerts) != 1 || res.Alerts[0].Kind != safety.KindInteraction || res.Alerts[0].Severity != prescription.SeverityCritical {
		t.Fatalf("alerts = %+v", res.Alerts)
	}
	if res.Alerts[0].Acknowledged {
		t.Fatal("generated alert is acknowledged")
	}
}

func TestCreate_AlertFailureDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	f.alerts.FailWith(func() error { return errors.New("alert store down") })

	res, err := f.svc.Create(context.Background(), input(item("warf", 30), item("asp", 30)))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if len(res.Alerts) != 0 {
		t.Errorf("alerts = %+v", res.Alerts)
	}
	if f.recorder.failures != 1 {
		t.Errorf("alert failures recorded = %d", f.recorder.failures)
	}
	if f.status(t, res.Prescription.ID) != prescription.StatusPending {
		t.Error("prescription not stored")
	}
}

func TestVerify_InsufficientInventoryNamesFirstShortItem(t *testing.T) {
	f := newFixture(t)
	f.store.SetStock("amox", 100)
	f.store.SetStock("lisin", 5)
	f.store.SetStock("ibu", 0)
	p := f.create(t, input(item("amox", 30), item("lisin", 10), item("ibu", 20)))

	_, err := f.svc.Verify(context.Background(), p.ID, "rph-1")
	wantKind(t, err, prescription.KindInsufficientInventory)

	var e *prescription.Error
	if !errors.As(err, &e) {
		t.Fatal("not a workflow error")
	}
	if e.DrugID != "lisin" || e.DrugName != "lisinopril" || e.Available != 5 || e.Required != 10 {
		t.Errorf("shortage = %+v", e)
	}
	if f.status(t, p.ID) != prescription.StatusPending {
		t.Error("status changed on failed verify")
	}
}

func TestVerify_OnlyUnacknowledgedCriticalAlertsBlock(t *testing.T) {
	ctx := context.Background()

	t.Run("critical blocks until acknowledged", func(t *testing.T) {
		f := newFixture(t)
		f.store.SetStock("warf", 100)
		f.store.SetStock("asp", 100)
		res, err := f.svc.Create(ctx, input(item("warf", 30), item("asp", 30)))
		if err != nil {
			t.Fatal(err)
		}

		_, err = f.svc.Verify(ctx, res.Prescription.ID, "rph-1")
		wantKind(t, err, prescription.KindSafetyBlocked)

		if _, err := f.safety.Acknowledge(ctx, res.Alerts[0].ID, "rph-1"); err != nil {
			t.Fatal(err)
		}
		p, err := f.svc.Verify(ctx, res.Prescription.ID, "rph-1")
		if err != nil {
			t.Fatalf("verify after acknowledgment: %v", err)
		}
		if p.Verified == nil || p.Verified.By != "rph-1" {
			t.Errorf("verified stamp = %+v", p.Verified)
		}
	})

	t.Run("high does not block", func(t *testing.T) {
		f := newFixture(t)
		f.store.SetStock("warf", 100)
		f.store.SetStock("ibu", 100)
		res, err := f.svc.Create(ctx, input(item("warf", 30), item("ibu", 30)))
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Alerts) != 1 || res.Alerts[0].Severity != prescription.SeverityHigh {
			t.Fatalf("alerts = %+v", res.Alerts)
		}
		if _, err := f.svc.Verify(ctx, res.Prescription.ID, "rph-1"); err != nil {
			t.Fatalf("verify: %v", err)
		}
	})

	t.Run("safety checked before inventory", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.svc.Create(ctx, input(item("warf", 30), item("asp", 30)))
		if err != nil {
			t.Fatal(err)
		}
		_, err = f.svc.Verify(ctx, res.Prescription.ID, "rph-1")
		wantKind(t, err, prescription.KindSafetyBlocked)
	})
}

func TestVerify_RequiresPending(t *testing.T) {
	f := newFixture(t)
	f.store.SetStock("amox", 100)
	p := f.create(t, input(item("amox", 30)))
	ctx := context.Background()

	if _, err := f.svc.Verify(ctx, p.ID, "rph-1"); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.Verify(ctx, p.ID, "rph-2")
	wantKind(t, err, prescription.KindInvalidState)

	_, err = f.svc.Verify(ctx, "missing", "rph-1")
	wantKind(t, err, prescription.KindNotFound)

	_, err = f.svc.Verify(ctx, p.ID, "")
	wantKind(t, err, prescription.KindValidation)
}

// advance moves a fresh prescription to the requested status.
func (f *fixture) advance(t *testing.T, to prescription.Status, items ...prescription.ItemInput) *prescription.Prescription {
	t.Helper()
	ctx := context.Background()
	p := f.create(t, input(items...))
	steps := map[prescription.Status][]func() (*prescription.Prescription, error){
		prescription.StatusPending: nil,
		prescription.StatusVerified: {
			func() (*prescription.Prescription, error) { return f.svc.Verify(ctx, p.ID, "rph-1") },
		},
		prescription.StatusFilled: {
			func() (*prescription.Prescription, error) { return f.svc.Verify(ctx, p.ID, "rph-1") },
			func() (*prescription.Prescription, error) { return f.svc.Fill(ctx, p.ID, "rph-1") },
		},
		prescription.StatusDispensed: {
			func() (*prescription.Prescription, error) { return f.svc.Verify(ctx, p.ID, "rph-1") },
			func() (*prescription.Prescription, error) { return f.svc.Fill(ctx, p.ID, "rph-1") },
			func() (*prescription.Prescription, error) { return f.svc.Dispense(ctx, p.ID, "rph-1") },
		},
		prescription.StatusCancelled: {
			func() (*prescription.Prescription, error) { return f.svc.Cancel(ctx, p.ID, "duplicate order", "rph-1") },
		},
	}
	for _, step := range steps[to] {
		var err error
		if p, err = step(); err != nil {
			t.Fatalf("advance to %s: %v", to, err)
		}
	}
	return p
}

func TestFill_OnlyFromVerified(t *testing.T) {
	for _, from := range []prescription.Status{
		prescription.StatusPending,
		prescription.StatusFilled,
		prescription.StatusDispensed,
		prescription.StatusCancelled,
	} {
		t.Run(string(from), func(t *testing.T) {
			f := newFixture(t)
			f.store.SetStock("amox", 100)
			p := f.advance(t, from, item("amox", 30))
			stock, _ := f.store.Stock(context.Background(), "amox")
			events := len(f.store.Events())

			_, err := f.svc.Fill(context.Background(), p.ID, "rph-1")
			wantKind(t, err, prescription.KindInvalidState)

			after, _ := f.svc.Get(context.Background(), p.ID)
			if after.Status != from || after.Version != p.Version {
				t.Errorf("state changed: %s v%d -> %s v%d", from, p.Version, after.Status, after.Version)
			}
			if got, _ := f.store.Stock(context.Background(), "amox"); got != stock {
				t.Errorf("stock %d -> %d", stock, got)
			}
			if len(f.store.Events()) != events {
				t.Error("event emitted for rejected fill")
			}
		})
	}
}

func TestFill_DeductsAndLogsControlledSubstances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetStock("amox", 100)
	f.store.SetStock("oxy", 50)
	in := input(item("amox", 30), prescription.ItemInput{DrugID: "oxy", Quantity: 20, DaySupply: 5})

	res, err := f.svc.Create(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Verify(ctx, res.Prescription.ID, "rph-1"); err != nil {
		t.Fatal(err)
	}
	p, err := f.svc.Fill(ctx, res.Prescription.ID, "rph-2")
	if err != nil {
		t.Fatalf("fill: %v", err)
	}

	if p.Status != prescription.StatusFilled {
		t.Errorf("status = %s", p.Status)
	}
	for _, it := range p.Items {
		if it.QuantityDispensed != it.QuantityPrescribed {
			t.Errorf("item %s dispensed %d of %d", it.DrugID, it.QuantityDispensed, it.QuantityPrescribed)
		}
	}
	if got, _ := f.store.Stock(ctx, "amox"); got != 70 {
		t.Errorf("amox stock = %d, want 70", got)
	}
	if got, _ := f.store.Stock(ctx, "oxy"); got != 30 {
		t.Errorf("oxy stock = %d, want 30", got)
	}

	entries := f.store.DispensingEntries()
	if len(entries) != 1 {
		t.Fatalf("dispensing entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.DrugID != "oxy" || e.PrescriptionID != p.ID || e.Quantity != 20 ||
		e.PatientName != "Ada Lovelace" || e.PrescriberName != "Dr. Grey" ||
		e.PrescriberDEA != "AG1234563" || e.PharmacistID != "rph-2" || e.Schedule != prescription.ScheduleII {
		t.Errorf("dispensing entry = %+v", e)
	}
}

func TestFill_ShortageRollsBackEveryDeduction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetStock("amox", 100)
	f.store.SetStock("oxy", 50)
	f.store.SetStock("lisin", 100)
	p := f.advance(t, prescription.StatusVerified,
		item("amox", 30),
		prescription.ItemInput{DrugID: "oxy", Quantity: 20, DaySupply: 5},
		item("lisin", 30))
	events := len(f.store.Events())

	// Stock drops between verification and fill.
	f.store.SetStock("lisin", 10)

	_, err := f.svc.Fill(ctx, p.ID, "rph-1")
	wantKind(t, err, prescription.KindInsufficientInventory)
	var e *prescription.Error
	errors.As(err, &e)
	if e.DrugID != "lisin" || e.DrugName != "lisinopril" || e.Available != 10 || e.Required != 30 {
		t.Errorf("shortage = %+v", e)
	}

	for drug, want := range map[string]int{"amox": 100, "oxy": 50, "lisin": 10} {
		if got, _ := f.store.Stock(ctx, drug); got != want {
			t.Errorf("%s stock = %d, want %d", drug, got, want)
		}
	}
	if n := len(f.store.DispensingEntries()); n != 0 {
		t.Errorf("dispensing entries = %d", n)
	}
	after, _ := f.svc.Get(ctx, p.ID)
	if after.Status != prescription.StatusVerified {
		t.Errorf("status = %s", after.Status)
	}
	for _, it := range after.Items {
		if it.QuantityDispensed != 0 {
			t.Errorf("item %s dispensed %d", it.DrugID, it.QuantityDispensed)
		}
	}
	if len(f.store.Events()) != events {
		t.Error("event emitted for failed fill")
	}
}

func TestCancel(t *testing.T) {
	for _, from := range []prescription.Status{
		prescription.StatusPending,
		prescription.StatusVerified,
		prescription.StatusFilled,
	} {
		t.Run(string(from), func(t *testing.T) {
			f := newFixture(t)
			f.store.SetStock("amox", 100)
			p := f.advance(t, from, item("amox", 30))

			got, err := f.svc.Cancel(context.Background(), p.ID, "patient declined", "rph-9")
			if err != nil {
				t.Fatalf("cancel: %v", err)
			}
			if got.Status != prescription.StatusCancelled {
				t.Errorf("status = %s", got.Status)
			}
			last := got.Notes[len(got.Notes)-1]
			wantNotes := 1
			if from == prescription.StatusFilled {
				wantNotes = 2
				if last.Author != prescription.SystemAuthor || !strings.Contains(last.Text, "returned to inventory") {
					t.Errorf("inventory note = %+v", last)
				}
				last = got.Notes[len(got.Notes)-2]
				if stock, _ := f.store.Stock(context.Background(), "amox"); stock != 70 {
					t.Errorf("stock credited automatically: %d", stock)
				}
			}
			if len(got.Notes) != wantNotes {
				t.Errorf("notes = %+v", got.Notes)
			}
			if last.Author != "rph-9" || last.Text != "Cancelled: patient declined" {
				t.Errorf("reason note = %+v", last)
			}
		})
	}

	for _, from := range []prescription.Status{prescription.StatusDispensed, prescription.StatusCancelled} {
		t.Run("from "+string(from), func(t *testing.T) {
			f := newFixture(t)
			f.store.SetStock("amox", 100)
			p := f.advance(t, from, item("amox", 30))
			_, err := f.svc.Cancel(context.Background(), p.ID, "too late", "rph-1")
			wantKind(t, err, prescription.KindInvalidState)
			if f.status(t, p.ID) != from {
				t.Error("status changed")
			}
		})
	}

	t.Run("reason required", func(t *testing.T) {
		f := newFixture(t)
		p := f.create(t, input(item("amox", 30)))
		_, err := f.svc.Cancel(context.Background(), p.ID, "  ", "rph-1")
		wantKind(t, err, prescription.KindValidation)
	})
}

func TestUpdate_RefillsCannotDropBelowUsed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := input(item("amox", 30))
	in.RefillsAllowed = 3
	p := f.create(t, in)

	// Two refills consumed.
	err := f.store.Atomic(ctx, func(ctx context.Context, tx prescription.Tx) error {
		stored, err := tx.Load(ctx, p.ID)
		if err != nil {
			return err
		}
		stored.RefillsRemaining = 1
		return tx.Save(ctx, stored)
	})
	if err != nil {
		t.Fatal(err)
	}

	one := 1
	_, err = f.svc.Update(ctx, p.ID, prescription.Patch{RefillsAllowed: &one})
	wantKind(t, err, prescription.KindValidation)

	two := 2
	got, err := f.svc.Update(ctx, p.ID, prescription.Patch{RefillsAllowed: &two})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.RefillsAllowed != 2 || got.RefillsRemaining != 0 {
		t.Errorf("refills = %d/%d", got.RefillsRemaining, got.RefillsAllowed)
	}

	five := 5
	got, err = f.svc.Update(ctx, p.ID, prescription.Patch{RefillsAllowed: &five})
	if err != nil {
		t.Fatal(err)
	}
	if got.RefillsRemaining != 3 {
		t.Errorf("refills remaining = %d, want 3", got.RefillsRemaining)
	}
}

func TestUpdate_Items(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetStock("amox", 100)
	p := f.create(t, input(item("amox", 30)))
	itemID := p.Items[0].ID

	qty, zero := 40, 0
	dosage := "1 tablet three times daily"
	got, err := f.svc.Update(ctx, p.ID, prescription.Patch{
		Items:     []prescription.ItemPatch{{ID: itemID, QuantityPrescribed: &qty, DosageInstructions: &dosage}},
		Notes:     strPtr("dose clarified"),
		UpdatedBy: "rph-1",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Items[0].QuantityPrescribed != 40 || got.Items[0].DosageInstructions != dosage {
		t.Errorf("item = %+v", got.Items[0])
	}
	if n := got.Notes[len(got.Notes)-1]; n.Text != "dose clarified" || n.Author != "rph-1" {
		t.Errorf("note = %+v", n)
	}

	_, err = f.svc.Update(ctx, p.ID, prescription.Patch{Items: []prescription.ItemPatch{{ID: "other", QuantityPrescribed: &qty}}})
	wantKind(t, err, prescription.KindValidation)

	_, err = f.svc.Update(ctx, p.ID, prescription.Patch{Items: []prescription.ItemPatch{{ID: itemID, QuantityPrescribed: &zero}}})
	wantKind(t, err, prescription.KindValidation)

	if _, err := f.svc.Verify(ctx, p.ID, "rph-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Fill(ctx, p.ID, "rph-1"); err != nil {
		t.Fatal(err)
	}
	more := 50
	_, err = f.svc.Update(ctx, p.ID, prescription.Patch{Items: []prescription.ItemPatch{{ID: itemID, QuantityPrescribed: &more}}})
	wantKind(t, err, prescription.KindValidation)

	if _, err := f.svc.Dispense(ctx, p.ID, "rph-1"); err != nil {
		t.Fatal(err)
	}
	_, err = f.svc.Update(ctx, p.ID, prescription.Patch{Notes: strPtr("late")})
	wantKind(t, err, prescription.KindInvalidState)
}

func TestUpdate_QuantityChangeReassessesSafety(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetStock("amox", 1000)

	res, err := f.svc.Create(ctx, input(item("amox", 90)))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Alerts) != 0 {
		t.Fatalf("alerts at create = %+v", res.Alerts)
	}
	id, itemID := res.Prescription.ID, res.Prescription.Items[0].ID

	raised := 500
	if _, err := f.svc.Update(ctx, id, prescription.Patch{
		Items: []prescription.ItemPatch{{ID: itemID, QuantityPrescribed: &raised}},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	alerts, err := f.safety.Alerts(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].Severity != prescription.SeverityCritical {
		t.Fatalf("alerts after raising quantity = %+v", alerts)
	}

	_, err = f.svc.Verify(ctx, id, "rph-1")
	wantKind(t, err, prescription.KindSafetyBlocked)

	if _, err := f.safety.Acknowledge(ctx, alerts[0].ID, "rph-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Verify(ctx, id, "rph-1"); err != nil {
		t.Fatalf("verify after acknowledgment: %v", err)
	}
}

func TestUpdate_QuantityFrozenAfterVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetStock("lisin", 100)
	p := f.create(t, input(item("lisin", 30)))
	itemID := p.Items[0].ID
	if _, err := f.svc.Verify(ctx, p.ID, "rph-1"); err != nil {
		t.Fatal(err)
	}

	qty, days := 45, 10
	_, err := f.svc.Update(ctx, p.ID, prescription.Patch{Items: []prescription.ItemPatch{{ID: itemID, QuantityPrescribed: &qty}}})
	wantKind(t, err, prescription.KindValidation)
	_, err = f.svc.Update(ctx, p.ID, prescription.Patch{Items: []prescription.ItemPatch{{ID: itemID, DaySupply: &days}}})
	wantKind(t, err, prescription.KindValidation)

	dosage := "take with food"
	got, err := f.svc.Update(ctx, p.ID, prescription.Patch{Items: []prescription.ItemPatch{{ID: itemID, DosageInstructions: &dosage}}})
	if err != nil {
		t.Fatalf("dosage update: %v", err)
	}
	if got.Status != prescription.StatusVerified || got.Items[0].QuantityPrescribed != 30 || got.Items[0].DosageInstructions != dosage {
		t.Errorf("after update: status %s item %+v", got.Status, got.Items[0])
	}
}

func TestUpdate_EmptyPatchIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, input(item("amox", 30)))
	events := len(f.store.Events())

	for name, patch := range map[string]prescription.Patch{
		"nothing":     {UpdatedBy: "rph-1"},
		"blank notes": {Notes: strPtr("   ")},
		"bare item":   {Items: []prescription.ItemPatch{{ID: p.Items[0].ID}}},
	} {
		_, err := f.svc.Update(ctx, p.ID, patch)
		if prescription.KindOf(err) != prescription.KindValidation {
			t.Errorf("%s: err = %v, want validation error", name, err)
		}
	}

	got, err := f.svc.Get(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != p.Version {
		t.Errorf("version = %d, want %d", got.Version, p.Version)
	}
	if n := len(f.store.Events()); n != events {
		t.Errorf("events = %d, want %d", n, events)
	}
}

func strPtr(s string) *string { return &s }

func TestNotes_AddAndRecover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetStock("amox", 100)
	p := f.advance(t, prescription.StatusDispensed, item("amox", 30))

	added := []struct{ author, text string }{
		{"rph-1", "counselled patient"},
		{"", "label reprinted"},
		{"tech-4", "bin (A) [shelf 2]"},
		{"rph-2", "  keep refrigerated "},
	}
	for _, a := range added {
		if _, err := f.svc.AddNote(ctx, p.ID, a.text, a.author); err != nil {
			t.Fatalf("add note: %v", err)
		}
	}

	notes, err := f.svc.Notes(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	recovered := prescription.ParseNotes(prescription.FormatNotes(notes))
	if len(recovered) != len(added) {
		t.Fatalf("notes = %+v", recovered)
	}
	for i, a := range added {
		if notes[i].Text != a.text {
			t.Errorf("stored note %d text = %q, want %q", i, notes[i].Text, a.text)
		}
		want := a.author
		if want == "" {
			want = prescription.SystemAuthor
		}
		if recovered[i].Author != want || recovered[i].Text != a.text {
			t.Errorf("note %d = (%q, %q), want (%q, %q)", i, recovered[i].Author, recovered[i].Text, want, a.text)
		}
	}

	_, err = f.svc.AddNote(ctx, "missing", "x", "rph-1")
	wantKind(t, err, prescription.KindNotFound)
	_, err = f.svc.AddNote(ctx, p.ID, "", "rph-1")
	wantKind(t, err, prescription.KindValidation)
	_, err = f.svc.Notes(ctx, "missing")
	wantKind(t, err, prescription.KindNotFound)
}

func TestImportNotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, input(item("amox", 30)))

	blob := "[2023-11-02T10:00:00.000Z] (dr-old) migrated from fax\nillegible scribble"
	entries, err := f.svc.ImportNotes(ctx, p.ID, blob, "rph-1")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Author != "dr-old" || entries[0].At.Year() != 2023 {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Author != prescription.UnknownAuthor || entries[1].Text != "illegible scribble" || entries[1].At.IsZero() {
		t.Errorf("entry 1 = %+v", entries[1])
	}

	_, err = f.svc.ImportNotes(ctx, p.ID, "\n\n", "rph-1")
	wantKind(t, err, prescription.KindValidation)
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day := func(d int) time.Time { return time.Date(2024, 4, d, 12, 0, 0, 0, time.UTC) }

	var ids []string
	for i, d := range []int{1, 5, 10} {
		in := input(item("amox", 30))
		in.PrescriptionDate = day(d)
		if i == 2 {
			in.Patient.ID = "pat-2"
		}
		ids = append(ids, f.create(t, in).ID)
	}
	if _, err := f.svc.Cancel(ctx, ids[0], "dup", "rph-1"); err != nil {
		t.Fatal(err)
	}

	start, end := day(5), day(10)
	tests := []struct {
		name   string
		filter prescription.Filter
		want   []string
	}{
		{"all newest first", prescription.Filter{}, []string{ids[2], ids[1], ids[0]}},
		{"by status", prescription.Filter{Status: prescription.StatusCancelled}, []string{ids[0]}},
		{"by patient", prescription.Filter{PatientID: "pat-2"}, []string{ids[2]}},
		{"by prescriber", prescription.Filter{PrescriberID: "doc-1", Limit: 1}, []string{ids[2]}},
		{"inclusive range", prescription.Filter{StartDate: &start, EndDate: &end}, []string{ids[2], ids[1]}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.svc.Search(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d results, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Errorf("result %d = %s, want %s", i, got[i].ID, tt.want[i])
				}
			}
		})
	}

	_, err := f.svc.Search(ctx, prescription.Filter{StartDate: &end, EndDate: &start})
	wantKind(t, err, prescription.KindValidation)
}

func TestConcurrentVerifySucceedsOnce(t *testing.T) {
	f := newFixture(t)
	f.store.SetStock("amox", 100)
	p := f.create(t, input(item("amox", 30)))

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Verify(context.Background(), p.ID, "rph-1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case prescription.KindOf(err) != prescription.KindInvalidState:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("%d verifications succeeded", ok)
	}
}

func TestEndToEnd_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetStock("amox", 20)
	p := f.create(t, input(item("amox", 10)))

	if _, err := f.svc.Verify(ctx, p.ID, "rph-1"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	filled, err := f.svc.Fill(ctx, p.ID, "rph-1")
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if stock, _ := f.store.Stock(ctx, "amox"); stock != 10 {
		t.Errorf("stock = %d, want 10", stock)
	}
	if filled.Items[0].QuantityDispensed != 10 {
		t.Errorf("quantity dispensed = %d", filled.Items[0].QuantityDispensed)
	}
	dispensed, err := f.svc.Dispense(ctx, p.ID, "rph-2")
	if err != nil {
		t.Fatalf("dispense: %v", err)
	}
	if dispensed.Status != prescription.StatusDispensed || dispensed.Dispensed == nil || dispensed.Dispensed.By != "rph-2" {
		t.Errorf("dispensed = %+v", dispensed)
	}

	_, err = f.svc.Cancel(ctx, p.ID, "changed mind", "rph-1")
	wantKind(t, err, prescription.KindInvalidState)

	var types []prescription.EventType
	for _, e := range f.store.Events() {
		types = append(types, e.EventType)
	}
	want := []prescription.EventType{
		prescription.EventPrescriptionCreated,
		prescription.EventPrescriptionVerified,
		prescription.EventPrescriptionFilled,
		prescription.EventPrescriptionDispensed,
	}
	if len(types) != len(want) {
		t.Fatalf("events = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}
	if v := f.store.Events()[3].Version; v != 4 {
		t.Errorf("dispensed event version = %d, want 4", v)
	}
}

func TestEndToEnd_ShortStockBlocksVerification(t *testing.T) {
	f := newFixture(t)
	f.store.SetStock("amox", 5)
	p := f.create(t, input(item("amox", 10)))

	_, err := f.svc.Verify(context.Background(), p.ID, "rph-1")
	wantKind(t, err, prescription.KindInsufficientInventory)
	var e *prescription.Error
	errors.As(err, &e)
	if e.DrugID != "amox" || e.Available != 5 || e.Required != 10 {
		t.Errorf("shortage = %+v", e)
	}
	if f.status(t, p.ID) != prescription.StatusPending {
		t.Error("status changed")
	}
}
