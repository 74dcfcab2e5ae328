package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
)

// Catalog is a map-backed drug catalog.
type Catalog struct {
	mu    sync.RWMutex
	drugs map[string]prescription.Drug
}

// NewCatalog creates a catalog holding drugs.
func NewCatalog(drugs ...prescription.Drug) *Catalog {
	c := &Catalog{drugs: make(map[string]prescription.Drug, len(drugs))}
	c.Add(drugs...)
	return c
}

// Add inserts or replaces drugs.
func (c *Catalog) Add(drugs ...prescription.Drug) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range drugs {
		c.drugs[d.ID] = d
	}
}

// Drug returns a copy of the catalog entry.
func (c *Catalog) Drug(ctx context.Context, id string) (*prescription.Drug, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.drugs[id]
	if !ok {
		return nil, prescription.NotFound("drug", id)
	}
	return &d, nil
}

// Alerts is a map-backed safety alert repository.
type Alerts struct {
	mu     sync.RWMutex
	byID   map[string]*prescription.Alert
	byRx   map[string][]string
	failer func() error
}

// NewAlerts creates an empty alert repository.
func NewAlerts() *Alerts {
	return &Alerts{
		byID: make(map[string]*prescription.Alert),
		byRx: make(map[string][]string),
	}
}

// FailWith makes subsequent inserts return the result of fn; nil restores normal behavior.
func (r *Alerts) FailWith(fn func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failer = fn
}

func (r *Alerts) InsertAlerts(ctx context.Context, alerts []prescription.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failer != nil {
		if err := r.failer(); err != nil {
			return err
		}
	}
	for i := range alerts {
		a := alerts[i]
		r.byID[a.ID] = &a
		r.byRx[a.PrescriptionID] = append(r.byRx[a.PrescriptionID], a.ID)
	}
	return nil
}

func (r *Alerts) AlertsFor(ctx context.Context, prescriptionID string) ([]prescription.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]prescription.Alert, 0, len(r.byRx[prescriptionID]))
	for _, id := range r.byRx[prescriptionID] {
		out = append(out, *r.byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Alerts) Acknowledge(ctx context.Context, alertID, by string, at time.Time) (*prescription.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[alertID]
	if !ok {
		return nil, prescription.NotFound("alert", alertID)
	}
	if !a.Acknowledged {
		a.Acknowledged = true
		a.AcknowledgedBy = by
		a.AcknowledgedAt = &at
	}
	c := *a
	return &c, nil
}
