// Package prescription implements the prescription fulfillment workflow:
// creation, pharmacist verification, filling against the inventory ledger,
// dispensing and cancellation.
package prescription

import (
	"time"
)

// Status represents prescription status
type Status string

const (
	StatusPending   Status = "pending"
	StatusVerified  Status = "verified"
	StatusFilling   Status = "filling"
	StatusFilled    Status = "filled"
	StatusDispensed Status = "dispensed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusVerified,
	StatusFilling,
	StatusFilled,
	StatusDispensed,
	StatusCancelled,
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", Validation("unknown status %q", s)
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusDispensed || s == StatusCancelled
}

// Schedule is a DEA controlled-substance schedule.
type Schedule string

const (
	ScheduleNone Schedule = "non-controlled"
	ScheduleII   Schedule = "CII"
	ScheduleIII  Schedule = "CIII"
	ScheduleIV   Schedule = "CIV"
	ScheduleV    Schedule = "CV"
)

// IsControlled reports whether dispensing must be logged.
func (s Schedule) IsControlled() bool {
	return s != "" && s != ScheduleNone
}

// Drug is a catalog entry referenced by prescription items.
type Drug struct {
	ID          string   `json:"id"`
	GenericName string   `json:"generic_name"`
	Schedule    Schedule `json:"schedule"`
	// MaxDailyQuantity is the highest quantity per day considered safe; zero disables the check.
	MaxDailyQuantity int `json:"max_daily_quantity,omitempty"`
}

// PatientRef identifies the patient a prescription was written for.
type PatientRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Prescriber identifies the prescribing clinician.
type Prescriber struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	License string `json:"license,omitempty"`
	DEA     string `json:"dea,omitempty"`
}

// Stamp records who performed a step and when.
type Stamp struct {
	By string    `json:"by"`
	At time.Time `json:"at"`
}

// Item is one drug line within a prescription.
type Item struct {
	ID                 string `json:"id"`
	DrugID             string `json:"drug_id"`
	Drug               *Drug  `json:"drug,omitempty"`
	QuantityPrescribed int    `json:"quantity_prescribed"`
	QuantityDispensed  int    `json:"quantity_dispensed"`
	DosageInstructions string `json:"dosage_instructions"`
	DaySupply          int    `json:"day_supply"`
}

// Prescription is the aggregate root of the fulfillment workflow.
type Prescription struct {
	ID               string      `json:"id"`
	Version          int         `json:"version"`
	Status           Status      `json:"status"`
	Patient          PatientRef  `json:"patient"`
	Prescriber       Prescriber  `json:"prescriber"`
	PrescriptionDate time.Time   `json:"prescription_date"`
	RefillsAllowed   int         `json:"refills_allowed"`
	RefillsRemaining int         `json:"refills_remaining"`
	Notes            []NoteEntry `json:"notes"`
	Verified         *Stamp      `json:"verified,omitempty"`
	Dispensed        *Stamp      `json:"dispensed,omitempty"`
	Items            []Item      `json:"items"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// RefillsUsed returns how many refills have been consumed.
func (p *Prescription) RefillsUsed() int {
	return p.RefillsAllowed - p.RefillsRemaining
}

// Item returns the item with the given id.
func (p *Prescription) Item(id string) (*Item, bool) {
	for i := range p.Items {
		if p.Items[i].ID == id {
			return &p.Items[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy safe to mutate independently.
func (p *Prescription) Clone() *Prescription {
	c := *p
	c.Notes = append([]NoteEntry(nil), p.Notes...)
	c.Items = make([]Item, len(p.Items))
	for i, it := range p.Items {
		c.Items[i] = it
		if it.Drug != nil {
			d := *it.Drug
			c.Items[i].Drug = &d
		}
	}
	if p.Verified != nil {
		v := *p.Verified
		c.Verified = &v
	}
	if p.Dispensed != nil {
		d := *p.Dispensed
		c.Dispensed = &d
	}
	return &c
}

// Filter selects prescriptions in search. Zero values match everything;
// the date range is inclusive at both ends.
type Filter struct {
	Status       Status
	PrescriberID string
	PatientID    string
	StartDate    *time.Time
	EndDate      *time.Time
	Limit        int
}

// Matches reports whether p satisfies the filter.
func (f Filter) Matches(p *Prescription) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.PrescriberID != "" && p.Prescriber.ID != f.PrescriberID {
		return false
	}
	if f.PatientID != "" && p.Patient.ID != f.PatientID {
		return false
	}
	if f.StartDate != nil && p.PrescriptionDate.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && p.PrescriptionDate.After(*f.EndDate) {
		return false
	}
	return true
}
