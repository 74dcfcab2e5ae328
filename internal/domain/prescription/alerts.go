package prescription

import "time"

// Severity of a safety alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Alert is a clinical-risk warning raised against a prescription.
type Alert struct {
	ID             string     `json:"id"`
	PrescriptionID string     `json:"prescription_id"`
	Severity       Severity   `json:"severity"`
	Kind           string     `json:"kind"`
	Message        string     `json:"message"`
	DrugIDs        []string   `json:"drug_ids,omitempty"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// BlocksVerification reports whether the alert prevents verification.
func (a Alert) BlocksVerification() bool {
	return a.Severity == SeverityCritical && !a.Acknowledged
}

// BlockingAlerts returns the alerts that prevent verification.
func BlockingAlerts(alerts []Alert) []Alert {
	var blocking []Alert
	for _, a := range alerts {
		if a.BlocksVerification() {
			blocking = append(blocking, a)
		}
	}
	return blocking
}
