package prescription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventPrescriptionCreated   EventType = "PrescriptionCreated"
	EventPrescriptionVerified  EventType = "PrescriptionVerified"
	EventPrescriptionFilled    EventType = "PrescriptionFilled"
	EventPrescriptionDispensed EventType = "PrescriptionDispensed"
	EventPrescriptionCancelled EventType = "PrescriptionCancelled"
	EventPrescriptionUpdated   EventType = "PrescriptionUpdated"
	EventPrescriptionNoteAdded EventType = "PrescriptionNoteAdded"
)

// AggregateType is the aggregate name carried on every event.
const AggregateType = "Prescription"

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	ActorID       string          `json:"actor_id,omitempty"`
	PatientID     string          `json:"patient_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates an event for the prescription at its current version.
func NewEvent(p *Prescription, eventType EventType, actorID string, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   p.ID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Version:       p.Version,
		Timestamp:     time.Now().UTC(),
		ActorID:       actorID,
		PatientID:     p.Patient.ID,
	}, nil
}

// WithCorrelation sets the request correlation id
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

// CreatedData is the payload of PrescriptionCreated.
type CreatedData struct {
	PrescriberID     string    `json:"prescriber_id"`
	ItemCount        int       `json:"item_count"`
	RefillsAllowed   int       `json:"refills_allowed"`
	PrescriptionDate time.Time `json:"prescription_date"`
}

// TransitionData is the payload of verify, fill, dispense and cancel events.
type TransitionData struct {
	From   Status `json:"from"`
	To     Status `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// FilledItem describes one deduction made by a fill.
type FilledItem struct {
	ItemID   string `json:"item_id"`
	DrugID   string `json:"drug_id"`
	Quantity int    `json:"quantity"`
}

// FilledData is the payload of PrescriptionFilled.
type FilledData struct {
	TransitionData
	Items []FilledItem `json:"items"`
}

// UpdatedData lists the fields a patch changed.
type UpdatedData struct {
	Fields []string `json:"fields"`
}

// NoteAddedData is the payload of PrescriptionNoteAdded.
type NoteAddedData struct {
	Count int `json:"count"`
}
