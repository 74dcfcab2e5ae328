package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
)

func seed(t *testing.T, s *Store) *prescription.Prescription {
	t.Helper()
	p := &prescription.Prescription{
		ID:     "rx-1",
		Status: prescription.StatusPending,
		Items:  []prescription.Item{{ID: "it-1", DrugID: "d1", QuantityPrescribed: 5}},
	}
	err := s.Atomic(context.Background(), func(ctx context.Context, tx prescription.Tx) error {
		return tx.Insert(ctx, p)
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestAtomicRollsBackOnError(t *testing.T) {
	s := NewStore()
	s.SetStock("d1", 10)
	p := seed(t, s)
	boom := errors.New("boom")

	err := s.Atomic(context.Background(), func(ctx context.Context, tx prescription.Tx) error {
		loaded, err := tx.Load(ctx, p.ID)
		if err != nil {
			return err
		}
		loaded.Status = prescription.StatusVerified
		if err := tx.Save(ctx, loaded); err != nil {
			return err
		}
		if err := tx.Ledger().Deduct(ctx, "d1", 4); err != nil {
			return err
		}
		if err := tx.Dispensing().LogDispensing(ctx, prescription.DispensingEntry{ID: "e1"}); err != nil {
			return err
		}
		if err := tx.Emit(ctx, &prescription.Event{ID: "ev"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	got, _ := s.Get(context.Background(), p.ID)
	if got.Status != prescription.StatusPending || got.Version != 1 {
		t.Errorf("prescription = %s v%d", got.Status, got.Version)
	}
	if stock, _ := s.Stock(context.Background(), "d1"); stock != 10 {
		t.Errorf("stock = %d", stock)
	}
	if len(s.DispensingEntries()) != 0 || len(s.Events()) != 0 {
		t.Error("staged writes leaked")
	}
}

func TestSaveRejectsStaleVersion(t *testing.T) {
	s := NewStore()
	p := seed(t, s)
	ctx := context.Background()

	stale, _ := s.Get(ctx, p.ID)
	err := s.Atomic(ctx, func(ctx context.Context, tx prescription.Tx) error {
		fresh, err := tx.Load(ctx, p.ID)
		if err != nil {
			return err
		}
		fresh.RefillsAllowed = 3
		fresh.RefillsRemaining = 3
		return tx.Save(ctx, fresh)
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.Atomic(ctx, func(ctx context.Context, tx prescription.Tx) error {
		stale.Status = prescription.StatusCancelled
		return tx.Save(ctx, stale)
	})
	if prescription.KindOf(err) != prescription.KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, _ := s.Get(ctx, p.ID)
	if got.Status != prescription.StatusPending || got.Version != 2 {
		t.Errorf("prescription = %s v%d", got.Status, got.Version)
	}
}

func TestDeductWithinUnitOfWork(t *testing.T) {
	s := NewStore()
	s.SetStock("d1", 10)
	ctx := context.Background()

	err := s.Atomic(ctx, func(ctx context.Context, tx prescription.Tx) error {
		l := tx.Ledger()
		if err := l.Deduct(ctx, "d1", 6); err != nil {
			return err
		}
		if qty, _ := l.QuantityAvailable(ctx, "d1"); qty != 4 {
			t.Errorf("staged quantity = %d", qty)
		}
		err := l.Deduct(ctx, "d1", 5)
		var e *prescription.Error
		if !errors.As(err, &e) || e.Kind != prescription.KindInsufficientInventory || e.Available != 4 || e.Required != 5 {
			t.Errorf("overdraw err = %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if stock, _ := s.Stock(ctx, "d1"); stock != 4 {
		t.Errorf("stock = %d", stock)
	}
}

func TestReceive(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	if qty, err := s.Receive(ctx, "d1", 12); err != nil || qty != 12 {
		t.Fatalf("Receive = %d, %v", qty, err)
	}
	if _, err := s.Receive(ctx, "d1", 0); prescription.KindOf(err) != prescription.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAlertsAcknowledgeKeepsFirstStamp(t *testing.T) {
	r := NewAlerts()
	ctx := context.Background()
	now := time.Now().UTC()
	if err := r.InsertAlerts(ctx, []prescription.Alert{{ID: "a1", PrescriptionID: "rx-1", Severity: prescription.SeverityCritical, CreatedAt: now}}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Acknowledge(ctx, "a1", "rph-1", now); err != nil {
		t.Fatal(err)
	}
	a, err := r.Acknowledge(ctx, "a1", "rph-2", now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if a.AcknowledgedBy != "rph-1" || !a.AcknowledgedAt.Equal(now) {
		t.Errorf("alert = %+v", a)
	}
	if _, err := r.Acknowledge(ctx, "nope", "rph-1", now); prescription.KindOf(err) != prescription.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	list, _ := r.AlertsFor(ctx, "rx-1")
	if len(list) != 1 || list[0].BlocksVerification() {
		t.Errorf("alerts = %+v", list)
	}
}
