// Package memory provides in-process implementations of the workflow storage
// ports. A unit of work stages its writes on copies and applies them only
// when the callback succeeds.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
)

// Store holds prescriptions, stock, the dispensing log and emitted events.
type Store struct {
	mu            sync.Mutex
	prescriptions map[string]*prescription.Prescription
	stock         map[string]int
	dispensing    []prescription.DispensingEntry
	events        []*prescription.Event
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		prescriptions: make(map[string]*prescription.Prescription),
		stock:         make(map[string]int),
	}
}

// Get returns a copy of a committed prescription.
func (s *Store) Get(ctx context.Context, id string) (*prescription.Prescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prescriptions[id]
	if !ok {
		return nil, prescription.NotFound("prescription", id)
	}
	return p.Clone(), nil
}

// Search returns copies of matching prescriptions, newest prescription date first.
func (s *Store) Search(ctx context.Context, f prescription.Filter) ([]*prescription.Prescription, error) {
	s.mu.Lock()
	out := make([]*prescription.Prescription, 0)
	for _, p := range s.prescriptions {
		if f.Matches(p) {
			out = append(out, p.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].PrescriptionDate.Equal(out[j].PrescriptionDate) {
			return out[i].PrescriptionDate.After(out[j].PrescriptionDate)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Atomic runs fn against a staged view. Units of work are serialized.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx prescription.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:         s,
		prescriptions: make(map[string]*prescription.Prescription),
		stock:         make(map[string]int),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// Stock returns the committed quantity on hand.
func (s *Store) Stock(ctx context.Context, drugID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock[drugID], nil
}

// Receive credits stock and returns the new quantity.
func (s *Store) Receive(ctx context.Context, drugID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, prescription.Validation("received quantity must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[drugID] += qty
	return s.stock[drugID], nil
}

// SetStock overwrites the quantity on hand.
func (s *Store) SetStock(drugID string, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[drugID] = qty
}

// DispensingEntries returns the committed controlled substance log.
func (s *Store) DispensingEntries() []prescription.DispensingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]prescription.DispensingEntry(nil), s.dispensing...)
}

// Events returns committed domain events in emission order.
func (s *Store) Events() []*prescription.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*prescription.Event(nil), s.events...)
}

type memTx struct {
	store         *Store
	prescriptions map[string]*prescription.Prescription
	stock         map[string]int
	dispensing    []prescription.DispensingEntry
	events        []*prescription.Event
}

func (tx *memTx) current(id string) (*prescription.Prescription, bool) {
	if p, ok := tx.prescriptions[id]; ok {
		return p, true
	}
	p, ok := tx.store.prescriptions[id]
	return p, ok
}

func (tx *memTx) Load(ctx context.Context, id string) (*prescription.Prescription, error) {
	p, ok := tx.current(id)
	if !ok {
		return nil, prescription.NotFound("prescription", id)
	}
	return p.Clone(), nil
}

func (tx *memTx) Insert(ctx context.Context, p *prescription.Prescription) error {
	if _, ok := tx.current(p.ID); ok {
		return prescription.Conflict(p.ID, 0)
	}
	p.Version = 1
	tx.prescriptions[p.ID] = p.Clone()
	return nil
}

func (tx *memTx) Save(ctx context.Context, p *prescription.Prescription) error {
	stored, ok := tx.current(p.ID)
	if !ok {
		return prescription.NotFound("prescription", p.ID)
	}
	if stored.Version != p.Version {
		return prescription.Conflict(p.ID, p.Version)
	}
	p.Version++
	tx.prescriptions[p.ID] = p.Clone()
	return nil
}

func (tx *memTx) Ledger() prescription.Ledger { return (*memLedger)(tx) }

func (tx *memTx) Dispensing() prescription.DispensingLog { return (*memDispensing)(tx) }

func (tx *memTx) Emit(ctx context.Context, e *prescription.Event) error {
	tx.events = append(tx.events, e)
	return nil
}

func (tx *memTx) commit() {
	s := tx.store
	for id, p := range tx.prescriptions {
		s.prescriptions[id] = p
	}
	for drugID, qty := range tx.stock {
		s.stock[drugID] = qty
	}
	s.dispensing = append(s.dispensing, tx.dispensing...)
	s.events = append(s.events, tx.events...)
}

type memLedger memTx

func (l *memLedger) available(drugID string) int {
	if qty, ok := l.stock[drugID]; ok {
		return qty
	}
	return l.store.stock[drugID]
}

func (l *memLedger) QuantityAvailable(ctx context.Context, drugID string) (int, error) {
	return l.available(drugID), nil
}

func (l *memLedger) Deduct(ctx context.Context, drugID string, qty int) error {
	if qty <= 0 {
		return prescription.Validation("deduction must be positive")
	}
	available := l.available(drugID)
	if qty > available {
		return prescription.InsufficientInventory(drugID, "", available, qty)
	}
	l.stock[drugID] = available - qty
	return nil
}

type memDispensing memTx

func (d *memDispensing) LogDispensing(ctx context.Context, e prescription.DispensingEntry) error {
	d.dispensing = append(d.dispensing, e)
	return nil
}
