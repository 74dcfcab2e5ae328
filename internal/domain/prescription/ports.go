package prescription

import (
	"context"
	"time"
)

// Store persists prescriptions. Reads outside Atomic see committed state only.
type Store interface {
	// Get returns a committed prescription or a NotFound error.
	Get(ctx context.Context, id string) (*Prescription, error)
	// Search returns prescriptions matching the filter, newest prescription date first.
	Search(ctx context.Context, f Filter) ([]*Prescription, error)
	// Atomic runs fn in one unit of work. Every write made through tx, including
	// ledger deductions, dispensing log entries and events, commits together or not at all.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the transactional view handed to Store.Atomic callbacks.
type Tx interface {
	// Load reads a prescription and holds it for update until the unit of work ends.
	Load(ctx context.Context, id string) (*Prescription, error)
	// Insert stores a new prescription and sets its version to 1.
	Insert(ctx context.Context, p *Prescription) error
	// Save writes p only if the stored version still equals p.Version, then
	// increments p.Version. A mismatch returns a Conflict error.
	Save(ctx context.Context, p *Prescription) error
	// Ledger returns the inventory ledger bound to this unit of work.
	Ledger() Ledger
	// Dispensing returns the controlled substance log bound to this unit of work.
	Dispensing() DispensingLog
	// Emit records a domain event for asynchronous publication.
	Emit(ctx context.Context, e *Event) error
}

// Ledger tracks available quantity per drug.
type Ledger interface {
	QuantityAvailable(ctx context.Context, drugID string) (int, error)
	// Deduct decrements stock or fails with InsufficientInventory, leaving it unchanged.
	Deduct(ctx context.Context, drugID string, qty int) error
}

// DispensingEntry is one append-only record of a controlled substance leaving stock.
type DispensingEntry struct {
	ID             string    `json:"id"`
	DrugID         string    `json:"drug_id"`
	DrugName       string    `json:"drug_name"`
	Schedule       Schedule  `json:"schedule"`
	PrescriptionID string    `json:"prescription_id"`
	Quantity       int       `json:"quantity"`
	PatientID      string    `json:"patient_id"`
	PatientName    string    `json:"patient_name"`
	PrescriberName string    `json:"prescriber_name"`
	PrescriberDEA  string    `json:"prescriber_dea"`
	PharmacistID   string    `json:"pharmacist_id"`
	DispensedAt    time.Time `json:"dispensed_at"`
}

// DispensingLog records controlled substance dispensing.
type DispensingLog interface {
	LogDispensing(ctx context.Context, e DispensingEntry) error
}

// AlertSource generates and reads safety alerts.
type AlertSource interface {
	// GenerateAlerts inspects a prescription whose items carry resolved drugs.
	GenerateAlerts(ctx context.Context, p *Prescription) ([]Alert, error)
	Alerts(ctx context.Context, prescriptionID string) ([]Alert, error)
}

// DrugCatalog resolves drug references.
type DrugCatalog interface {
	Drug(ctx context.Context, id string) (*Drug, error)
}

// Locker serializes work per key.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Recorder receives workflow measurements.
type Recorder interface {
	ObserveOperation(op string, outcome string, d time.Duration)
	AlertGenerationFailed()
}

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(string, string, time.Duration) {}
func (nopRecorder) AlertGenerationFailed()                         {}
