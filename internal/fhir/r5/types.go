// Package r5 renders prescriptions as FHIR R5 resources for exchange with
// EHR systems.
package r5

// Code systems used in exported resources.
const (
	SystemDEA         = "http://hl7.org/fhir/sid/us-dea"
	SystemDEASchedule = "http://terminology.hl7.org/CodeSystem/DEADrugSchedule"
	SystemDrugID      = "urn:rxfill:drug"
	SystemUCUM        = "http://unitsofmeasure.org"
)

// Meta contains resource metadata.
type Meta struct {
	VersionID   string `json:"versionId,omitempty"`
	LastUpdated string `json:"lastUpdated,omitempty"`
}

// Identifier is a business identifier.
type Identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// CodeableConcept is a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Coding is a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Reference points at another resource.
type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

// CodeableReference is either a concept or a reference.
type CodeableReference struct {
	Concept   *CodeableConcept `json:"concept,omitempty"`
	Reference *Reference       `json:"reference,omitempty"`
}

// Quantity is a measured amount.
type Quantity struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
	System string  `json:"system,omitempty"`
	Code   string  `json:"code,omitempty"`
}

// Annotation is a note with its author and time.
type Annotation struct {
	AuthorString string `json:"authorString,omitempty"`
	Time         string `json:"time,omitempty"`
	Text         string `json:"text"`
}

// Dosage holds free-text instructions.
type Dosage struct {
	Text string `json:"text,omitempty"`
}

// DispenseRequest describes what the pharmacy is asked to supply.
type DispenseRequest struct {
	NumberOfRepeatsAllowed int       `json:"numberOfRepeatsAllowed"`
	Quantity               *Quantity `json:"quantity,omitempty"`
	ExpectedSupplyDuration *Quantity `json:"expectedSupplyDuration,omitempty"`
}

// Performer is who carried out a dispense step.
type Performer struct {
	Function *CodeableConcept `json:"function,omitempty"`
	Actor    Reference        `json:"actor"`
}

// MedicationRequest is one ordered medication.
type MedicationRequest struct {
	ResourceType      string            `json:"resourceType"`
	ID                string            `json:"id"`
	Meta              *Meta             `json:"meta,omitempty"`
	Identifier        []Identifier      `json:"identifier,omitempty"`
	Status            string            `json:"status"`
	Intent            string            `json:"intent"`
	Medication        CodeableReference `json:"medication"`
	Subject           Reference         `json:"subject"`
	AuthoredOn        string            `json:"authoredOn,omitempty"`
	Requester         *Reference        `json:"requester,omitempty"`
	Note              []Annotation      `json:"note,omitempty"`
	DosageInstruction []Dosage          `json:"dosageInstruction,omitempty"`
	DispenseRequest   *DispenseRequest  `json:"dispenseRequest,omitempty"`
}

// MedicationDispense records medication supplied against a request.
type MedicationDispense struct {
	ResourceType            string            `json:"resourceType"`
	ID                      string            `json:"id"`
	Status                  string            `json:"status"`
	Medication              CodeableReference `json:"medication"`
	Subject                 Reference         `json:"subject"`
	Performer               []Performer       `json:"performer,omitempty"`
	AuthorizingPrescription []Reference       `json:"authorizingPrescription,omitempty"`
	Quantity                *Quantity         `json:"quantity,omitempty"`
	DaysSupply              *Quantity         `json:"daysSupply,omitempty"`
	WhenHandedOver          string            `json:"whenHandedOver,omitempty"`
	DosageInstruction       []Dosage          `json:"dosageInstruction,omitempty"`
}

// Bundle is a collection of resources.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Timestamp    string        `json:"timestamp,omitempty"`
	Total        int           `json:"total"`
	Entry        []BundleEntry `json:"entry"`
}

// BundleEntry wraps one resource.
type BundleEntry struct {
	FullURL  string `json:"fullUrl,omitempty"`
	Resource any    `json:"resource"`
}

// OperationOutcome reports errors in FHIR form.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue is one issue of an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string `json:"severity"` // fatal | error | warning | information
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// NewErrorOutcome returns an outcome with a single error issue.
func NewErrorOutcome(code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{{
			Severity:    "error",
			Code:        code,
			Diagnostics: diagnostics,
		}},
	}
}
