// Package safety generates clinical-risk alerts for prescriptions and records
// their acknowledgment.
package safety

import (
	"fmt"
	"sort"
	"strings"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
)

// Alert kinds.
const (
	KindDuplicateTherapy = "duplicate_therapy"
	KindInteraction      = "drug_interaction"
	KindDailyQuantity    = "max_daily_quantity"
	KindMissingDEA       = "missing_dea"
)

// Finding is a rule result before it is stored as an alert.
type Finding struct {
	Severity prescription.Severity
	Kind     string
	Message  string
	DrugIDs  []string
}

// Rule inspects a prescription whose items carry resolved drugs.
type Rule func(p *prescription.Prescription) []Finding

// Interaction is a known drug-drug interaction between two generic names.
type Interaction struct {
	A, B     string
	Severity prescription.Severity
	Effect   string
}

// InteractionTable looks up interactions regardless of pair order.
type InteractionTable map[[2]string]Interaction

// NewInteractionTable indexes interactions by normalized generic name pair.
func NewInteractionTable(list ...Interaction) InteractionTable {
	t := make(InteractionTable, len(list))
	for _, in := range list {
		t[pairKey(in.A, in.B)] = in
	}
	return t
}

// Lookup returns the interaction between two generic names.
func (t InteractionTable) Lookup(a, b string) (Interaction, bool) {
	in, ok := t[pairKey(a, b)]
	return in, ok
}

func pairKey(a, b string) [2]string {
	a, b = normalize(a), normalize(b)
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// DefaultInteractions is a small reference table used when none is configured.
func DefaultInteractions() InteractionTable {
	return NewInteractionTable(
		Interaction{A: "warfarin", B: "aspirin", Severity: prescription.SeverityCritical, Effect: "major bleeding risk"},
		Interaction{A: "warfarin", B: "ibuprofen", Severity: prescription.SeverityHigh, Effect: "increased bleeding risk"},
		Interaction{A: "oxycodone", B: "alprazolam", Severity: prescription.SeverityCritical, Effect: "respiratory depression"},
		Interaction{A: "hydrocodone", B: "diazepam", Severity: prescription.SeverityCritical, Effect: "respiratory depression"},
		Interaction{A: "sildenafil", B: "nitroglycerin", Severity: prescription.SeverityCritical, Effect: "severe hypotension"},
		Interaction{A: "lisinopril", B: "spironolactone", Severity: prescription.SeverityMedium, Effect: "hyperkalemia"},
		Interaction{A: "simvastatin", B: "clarithromycin", Severity: prescription.SeverityHigh, Effect: "myopathy risk"},
		Interaction{A: "sertraline", B: "tramadol", Severity: prescription.SeverityHigh, Effect: "serotonin syndrome"},
	)
}

// DefaultRules returns every built-in rule.
func DefaultRules(table InteractionTable) []Rule {
	return []Rule{
		DuplicateTherapy,
		Interactions(table),
		DailyQuantity,
		MissingDEA,
	}
}

// DuplicateTherapy flags the same generic drug appearing on more than one item.
func DuplicateTherapy(p *prescription.Prescription) []Finding {
	byName := make(map[string][]string)
	var order []string
	for _, it := range p.Items {
		if it.Drug == nil {
			continue
		}
		name := normalize(it.Drug.GenericName)
		if _, seen := byName[name]; !seen {
			order = append(order, name)
		}
		byName[name] = append(byName[name], it.DrugID)
	}

	var out []Finding
	for _, name := range order {
		ids := byName[name]
		if len(ids) < 2 {
			continue
		}
		out = append(out, Finding{
			Severity: prescription.SeverityHigh,
			Kind:     KindDuplicateTherapy,
			Message:  fmt.Sprintf("%s is prescribed on %d items", name, len(ids)),
			DrugIDs:  dedupe(ids),
		})
	}
	return out
}

// Interactions flags every item pair found in the table.
func Interactions(table InteractionTable) Rule {
	return func(p *prescription.Prescription) []Finding {
		var out []Finding
		seen := make(map[[2]string]bool)
		for i := 0; i < len(p.Items); i++ {
			for j := i + 1; j < len(p.Items); j++ {
				a, b := p.Items[i].Drug, p.Items[j].Drug
				if a == nil || b == nil {
					continue
				}
				key := pairKey(a.GenericName, b.GenericName)
				if seen[key] {
					continue
				}
				in, ok := table.Lookup(a.GenericName, b.GenericName)
				if !ok {
					continue
				}
				seen[key] = true
				out = append(out, Finding{
					Severity: in.Severity,
					Kind:     KindInteraction,
					Message:  fmt.Sprintf("%s with %s: %s", a.GenericName, b.GenericName, in.Effect),
					DrugIDs:  dedupe([]string{a.ID, b.ID}),
				})
			}
		}
		return out
	}
}

// DailyQuantity compares quantity per day of supply with the drug's limit.
// Exceeding the limit is medium; exceeding twice the limit is critical.
func DailyQuantity(p *prescription.Prescription) []Finding {
	var out []Finding
	for _, it := range p.Items {
		if it.Drug == nil || it.Drug.MaxDailyQuantity <= 0 || it.DaySupply <= 0 {
			continue
		}
		limit := it.Drug.MaxDailyQuantity * it.DaySupply
		if it.QuantityPrescribed <= limit {
			continue
		}
		sev := prescription.SeverityMedium
		if it.QuantityPrescribed > 2*limit {
			sev = prescription.SeverityCritical
		}
		out = append(out, Finding{
			Severity: sev,
			Kind:     KindDailyQuantity,
			Message: fmt.Sprintf("%s: %d units over %d days exceeds the daily maximum of %d",
				it.Drug.GenericName, it.QuantityPrescribed, it.DaySupply, it.Drug.MaxDailyQuantity),
			DrugIDs: []string{it.DrugID},
		})
	}
	return out
}

// MissingDEA flags schedule II drugs written by a prescriber without a DEA number.
func MissingDEA(p *prescription.Prescription) []Finding {
	if strings.TrimSpace(p.Prescriber.DEA) != "" {
		return nil
	}
	var ids []string
	for _, it := range p.Items {
		if it.Drug != nil && it.Drug.Schedule == prescription.ScheduleII {
			ids = append(ids, it.DrugID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return []Finding{{
		Severity: prescription.SeverityCritical,
		Kind:     KindMissingDEA,
		Message:  "schedule II drugs require a prescriber DEA number",
		DrugIDs:  dedupe(ids),
	}}
}

func dedupe(ids []string) []string {
	set := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
