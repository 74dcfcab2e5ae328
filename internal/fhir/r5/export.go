package r5

import (
	"strconv"
	"time"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
)

const timeLayout = "2006-01-02T15:04:05Z07:00"

// RequestStatus maps a workflow status to a MedicationRequest status.
func RequestStatus(s prescription.Status) string {
	switch s {
	case prescription.StatusDispensed:
		return "completed"
	case prescription.StatusCancelled:
		return "cancelled"
	default:
		return "active"
	}
}

// DispenseStatus maps a workflow status to a MedicationDispense status. It
// returns "" when nothing has been prepared yet.
func DispenseStatus(s prescription.Status, filled bool) string {
	switch {
	case s == prescription.StatusDispensed:
		return "completed"
	case s == prescription.StatusFilled:
		return "in-progress"
	case s == prescription.StatusCancelled && filled:
		return "cancelled"
	default:
		return ""
	}
}

// Export renders a prescription as a collection Bundle: one MedicationRequest
// per item, plus a MedicationDispense per item once stock was deducted.
func Export(p *prescription.Prescription, now time.Time) *Bundle {
	b := &Bundle{
		ResourceType: "Bundle",
		ID:           p.ID,
		Type:         "collection",
		Timestamp:    now.UTC().Format(timeLayout),
	}

	subject := Reference{Reference: "Patient/" + p.Patient.ID, Display: p.Patient.Name}
	requester := &Reference{Reference: "Practitioner/" + p.Prescriber.ID, Display: p.Prescriber.Name}
	if p.Prescriber.DEA != "" {
		requester.Identifier = &Identifier{System: SystemDEA, Value: p.Prescriber.DEA}
	}
	notes := make([]Annotation, 0, len(p.Notes))
	for _, n := range p.Notes {
		notes = append(notes, Annotation{AuthorString: n.Author, Time: n.At.UTC().Format(timeLayout), Text: n.Text})
	}

	filled := false
	for _, it := range p.Items {
		if it.QuantityDispensed > 0 {
			filled = true
		}
	}

	for _, it := range p.Items {
		reqID := p.ID + "-" + it.ID
		med := medication(it)
		dosage := []Dosage{{Text: it.DosageInstructions}}

		req := &MedicationRequest{
			ResourceType: "MedicationRequest",
			ID:           reqID,
			Meta: &Meta{
				VersionID:   strconv.Itoa(p.Version),
				LastUpdated: p.UpdatedAt.UTC().Format(timeLayout),
			},
			Identifier:        []Identifier{{System: "urn:rxfill:prescription", Value: p.ID}},
			Status:            RequestStatus(p.Status),
			Intent:            "order",
			Medication:        med,
			Subject:           subject,
			AuthoredOn:        p.PrescriptionDate.UTC().Format("2006-01-02"),
			Requester:         requester,
			Note:              notes,
			DosageInstruction: dosage,
			DispenseRequest: &DispenseRequest{
				NumberOfRepeatsAllowed: p.RefillsAllowed,
				Quantity:               &Quantity{Value: float64(it.QuantityPrescribed), Unit: "unit"},
				ExpectedSupplyDuration: days(it.DaySupply),
			},
		}
		b.Entry = append(b.Entry, BundleEntry{FullURL: "MedicationRequest/" + reqID, Resource: req})

		status := DispenseStatus(p.Status, filled)
		if status == "" || it.QuantityDispensed == 0 {
			continue
		}
		disp := &MedicationDispense{
			ResourceType:            "MedicationDispense",
			ID:                      reqID + "-dispense",
			Status:                  status,
			Medication:              med,
			Subject:                 subject,
			AuthorizingPrescription: []Reference{{Reference: "MedicationRequest/" + reqID}},
			Quantity:                &Quantity{Value: float64(it.QuantityDispensed), Unit: "unit"},
			DaysSupply:              days(it.DaySupply),
			DosageInstruction:       dosage,
		}
		if p.Dispensed != nil {
			disp.WhenHandedOver = p.Dispensed.At.UTC().Format(timeLayout)
			disp.Performer = append(disp.Performer, Performer{
				Function: &CodeableConcept{Text: "dispensing pharmacist"},
				Actor:    Reference{Reference: "Practitioner/" + p.Dispensed.By},
			})
		}
		b.Entry = append(b.Entry, BundleEntry{FullURL: "MedicationDispense/" + disp.ID, Resource: disp})
	}
	b.Total = len(b.Entry)
	return b
}

func medication(it prescription.Item) CodeableReference {
	concept := &CodeableConcept{
		Coding: []Coding{{System: SystemDrugID, Code: it.DrugID}},
	}
	if it.Drug != nil {
		concept.Text = it.Drug.GenericName
		concept.Coding[0].Display = it.Drug.GenericName
		if it.Drug.Schedule.IsControlled() {
			concept.Coding = append(concept.Coding, Coding{System: SystemDEASchedule, Code: string(it.Drug.Schedule)})
		}
	}
	return CodeableReference{Concept: concept}
}

func days(n int) *Quantity {
	if n <= 0 {
		return nil
	}
	return &Quantity{Value: float64(n), Unit: "days", System: SystemUCUM, Code: "d"}
}
