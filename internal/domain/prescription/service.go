package prescription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/pkg/keylock"
)

// CreateInput carries a new prescription. Validation of wire formats happens
// at the API boundary; Create enforces the domain rules.
type CreateInput struct {
	Patient          PatientRef
	Prescriber       Prescriber
	PrescriptionDate time.Time
	RefillsAllowed   int
	Notes            string
	Items            []ItemInput
	CreatedBy        string
}

// ItemInput is one requested drug line.
type ItemInput struct {
	DrugID             string
	Quantity           int
	DosageInstructions string
	DaySupply          int
}

// CreateResult is a stored prescription with the alerts generated for it.
type CreateResult struct {
	Prescription *Prescription `json:"prescription"`
	Alerts       []Alert       `json:"alerts"`
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Notes            *string
	PrescriptionDate *time.Time
	RefillsAllowed   *int
	Items            []ItemPatch
	UpdatedBy        string
}

// ItemPatch changes fields of one item, addressed by id.
type ItemPatch struct {
	ID                 string
	QuantityPrescribed *int
	DosageInstructions *string
	DaySupply          *int
}

// Option configures a Service.
type Option func(*Service)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocker overrides the per-prescription locker.
func WithLocker(l Locker) Option {
	return func(s *Service) { s.locker = l }
}

// Service is the prescription workflow engine.
type Service struct {
	store    Store
	drugs    DrugCatalog
	alerts   AlertSource
	locker   Locker
	recorder Recorder
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewService creates the workflow engine.
func NewService(store Store, drugs DrugCatalog, alerts AlertSource, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:    store,
		drugs:    drugs,
		alerts:   alerts,
		locker:   keylock.New(),
		recorder: nopRecorder{},
		logger:   logger,
		tracer:   otel.Tracer("prescription-workflow"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates and stores a new pending prescription, then generates
// safety alerts. Alert generation failures are logged and never fail creation.
func (s *Service) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "prescription.create")
	defer span.End()

	p, err := s.build(ctx, in)
	if err != nil {
		s.finish(span, "create", start, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("prescription_id", p.ID))

	err = s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.Insert(ctx, p); err != nil {
			return fmt.Errorf("insert prescription: %w", err)
		}
		ev, err := NewEvent(p, EventPrescriptionCreated, in.CreatedBy, CreatedData{
			PrescriberID:     p.Prescriber.ID,
			ItemCount:        len(p.Items),
			RefillsAllowed:   p.RefillsAllowed,
			PrescriptionDate: p.PrescriptionDate,
		})
		if err != nil {
			return err
		}
		return tx.Emit(ctx, ev)
	})
	s.finish(span, "create", start, err)
	if err != nil {
		return nil, err
	}

	alerts := s.generateAlerts(ctx, p)

	s.logger.Info("prescription created",
		zap.String("id", p.ID),
		zap.Int("items", len(p.Items)),
		zap.Int("alerts", len(alerts)))

	return &CreateResult{Prescription: p, Alerts: alerts}, nil
}

// generateAlerts is best-effort: failures are logged and counted.
func (s *Service) generateAlerts(ctx context.Context, p *Prescription) []Alert {
	alerts, err := s.alerts.GenerateAlerts(ctx, p)
	if err != nil {
		s.recorder.AlertGenerationFailed()
		s.logger.Warn("safety alert generation failed",
			zap.String("prescription_id", p.ID),
			zap.Error(err))
		return nil
	}
	return alerts
}

func (s *Service) build(ctx context.Context, in CreateInput) (*Prescription, error) {
	if strings.TrimSpace(in.Patient.ID) == "" {
		return nil, Validation("patient id is required")
	}
	if strings.TrimSpace(in.Prescriber.ID) == "" || strings.TrimSpace(in.Prescriber.Name) == "" {
		return nil, Validation("prescriber id and name are required")
	}
	if len(in.Items) == 0 {
		return nil, Validation("a prescription needs at least one item")
	}
	if in.RefillsAllowed < 0 {
		return nil, Validation("refills allowed must not be negative")
	}

	now := s.now()
	date := in.PrescriptionDate
	if date.IsZero() {
		date = now
	}

	p := &Prescription{
		ID:               uuid.New().String(),
		Status:           StatusPending,
		Patient:          in.Patient,
		Prescriber:       in.Prescriber,
		PrescriptionDate: date.UTC(),
		RefillsAllowed:   in.RefillsAllowed,
		RefillsRemaining: in.RefillsAllowed,
		Items:            make([]Item, 0, len(in.Items)),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if strings.TrimSpace(in.Notes) != "" {
		author := in.CreatedBy
		if author == "" {
			author = in.Prescriber.ID
		}
		p.Notes = append(p.Notes, NewNote(now, author, in.Notes))
	}

	for i, ii := range in.Items {
		if ii.Quantity <= 0 {
			return nil, Validation("item %d: quantity must be positive", i+1)
		}
		if ii.DaySupply < 0 {
			return nil, Validation("item %d: day supply must not be negative", i+1)
		}
		drug, err := s.drugs.Drug(ctx, ii.DrugID)
		if err != nil {
			return nil, err
		}
		p.Items = append(p.Items, Item{
			ID:                 uuid.New().String(),
			DrugID:             drug.ID,
			Drug:               drug,
			QuantityPrescribed: ii.Quantity,
			DosageInstructions: ii.DosageInstructions,
			DaySupply:          ii.DaySupply,
		})
	}
	return p, nil
}

// Get returns a prescription with item drugs resolved.
func (s *Service) Get(ctx context.Context, id string) (*Prescription, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.resolveDrugs(ctx, p)
	return p, nil
}

// Search lists prescriptions matching f.
func (s *Service) Search(ctx context.Context, f Filter) ([]*Prescription, error) {
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		return nil, Validation("end date is before start date")
	}
	list, err := s.store.Search(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("search prescriptions: %w", err)
	}
	for _, p := range list {
		s.resolveDrugs(ctx, p)
	}
	return list, nil
}

// Verify records a pharmacist's verification. It is refused while any critical
// alert is unacknowledged or while stock cannot cover every item.
func (s *Service) Verify(ctx context.Context, id, pharmacistID string) (*Prescription, error) {
	if strings.TrimSpace(pharmacistID) == "" {
		return nil, Validation("pharmacist id is required")
	}
	return s.mutate(ctx, "verify", id, pharmacistID, func(ctx context.Context, tx Tx, p *Prescription) (EventType, interface{}, error) {
		from := p.Status
		next, err := Next(p.Status, OpVerify)
		if err != nil {
			return "", nil, err
		}

		alerts, err := s.alerts.Alerts(ctx, p.ID)
		if err != nil {
			return "", nil, fmt.Errorf("load safety alerts: %w", err)
		}
		if blocking := BlockingAlerts(alerts); len(blocking) > 0 {
			return "", nil, SafetyBlocked(len(blocking))
		}

		for _, it := range p.Items {
			available, err := tx.Ledger().QuantityAvailable(ctx, it.DrugID)
			if err != nil {
				return "", nil, fmt.Errorf("read inventory for %s: %w", it.DrugID, err)
			}
			if available < it.QuantityPrescribed {
				return "", nil, InsufficientInventory(it.DrugID, s.drugName(ctx, it.DrugID), available, it.QuantityPrescribed)
			}
		}

		p.Status = next
		p.Verified = &Stamp{By: pharmacistID, At: s.now()}
		return EventPrescriptionVerified, TransitionData{From: from, To: next}, nil
	})
}

// Fill deducts every item from the ledger and logs controlled substances. The
// whole loop commits atomically: a failure on any item leaves stock, the
// dispensing log and the prescription untouched.
func (s *Service) Fill(ctx context.Context, id, pharmacistID string) (*Prescription, error) {
	if strings.TrimSpace(pharmacistID) == "" {
		return nil, Validation("pharmacist id is required")
	}
	return s.mutate(ctx, "fill", id, pharmacistID, func(ctx context.Context, tx Tx, p *Prescription) (EventType, interface{}, error) {
		from := p.Status
		filling, err := Next(p.Status, OpFill)
		if err != nil {
			return "", nil, err
		}
		p.Status = filling

		now := s.now()
		filled := make([]FilledItem, 0, len(p.Items))
		for i := range p.Items {
			it := &p.Items[i]
			drug, err := s.drugs.Drug(ctx, it.DrugID)
			if err != nil {
				return "", nil, fmt.Errorf("resolve drug %s: %w", it.DrugID, err)
			}
			it.Drug = drug

			if err := tx.Ledger().Deduct(ctx, it.DrugID, it.QuantityPrescribed); err != nil {
				var shortage *Error
				if errors.As(err, &shortage) && shortage.Kind == KindInsufficientInventory {
					return "", nil, InsufficientInventory(it.DrugID, drug.GenericName, shortage.Available, it.QuantityPrescribed)
				}
				return "", nil, fmt.Errorf("deduct %s: %w", it.DrugID, err)
			}
			it.QuantityDispensed = it.QuantityPrescribed
			filled = append(filled, FilledItem{ItemID: it.ID, DrugID: it.DrugID, Quantity: it.QuantityPrescribed})

			if drug.Schedule.IsControlled() {
				entry := DispensingEntry{
					ID:             uuid.New().String(),
					DrugID:         drug.ID,
					DrugName:       drug.GenericName,
					Schedule:       drug.Schedule,
					PrescriptionID: p.ID,
					Quantity:       it.QuantityPrescribed,
					PatientID:      p.Patient.ID,
					PatientName:    p.Patient.Name,
					PrescriberName: p.Prescriber.Name,
					PrescriberDEA:  p.Prescriber.DEA,
					PharmacistID:   pharmacistID,
					DispensedAt:    now,
				}
				if err := tx.Dispensing().LogDispensing(ctx, entry); err != nil {
					return "", nil, fmt.Errorf("log controlled substance %s: %w", drug.ID, err)
				}
			}
		}

		done, err := Next(p.Status, OpCompleteFill)
		if err != nil {
			return "", nil, err
		}
		p.Status = done
		return EventPrescriptionFilled, FilledData{
			TransitionData: TransitionData{From: from, To: done},
			Items:          filled,
		}, nil
	})
}

// Dispense hands a filled prescription to the patient. Dispensed is terminal.
func (s *Service) Dispense(ctx context.Context, id, pharmacistID string) (*Prescription, error) {
	if strings.TrimSpace(pharmacistID) == "" {
		return nil, Validation("pharmacist id is required")
	}
	return s.mutate(ctx, "dispense", id, pharmacistID, func(ctx context.Context, tx Tx, p *Prescription) (EventType, interface{}, error) {
		from := p.Status
		next, err := Next(p.Status, OpDispense)
		if err != nil {
			return "", nil, err
		}
		p.Status = next
		p.Dispensed = &Stamp{By: pharmacistID, At: s.now()}
		return EventPrescriptionDispensed, TransitionData{From: from, To: next}, nil
	})
}

// Cancel stops a prescription that has not been dispensed. Cancelling a filled
// prescription only annotates the notes; stock is returned by manual reconciliation.
func (s *Service) Cancel(ctx context.Context, id, reason, actorID string) (*Prescription, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, Validation("cancellation reason is required")
	}
	return s.mutate(ctx, "cancel", id, actorID, func(ctx context.Context, tx Tx, p *Prescription) (EventType, interface{}, error) {
		from := p.Status
		next, err := Next(p.Status, OpCancel)
		if err != nil {
			return "", nil, err
		}
		now := s.now()
		p.Status = next
		p.Notes = append(p.Notes, NewNote(now, actorID, "Cancelled: "+reason))
		if from == StatusFilled {
			p.Notes = append(p.Notes, NewNote(now, SystemAuthor,
				"Prescription was filled before cancellation; dispensed quantities must be returned to inventory"))
		}
		return EventPrescriptionCancelled, TransitionData{From: from, To: next, Reason: reason}, nil
	})
}

// Update applies a partial change to a non-terminal prescription. Item
// quantities and day supplies may only change while pending, and such a
// change re-runs safety alert generation.
func (s *Service) Update(ctx context.Context, id string, patch Patch) (*Prescription, error) {
	if patch.empty() {
		return nil, Validation("update has no changes")
	}
	var reassess bool
	p, err := s.mutate(ctx, "update", id, patch.UpdatedBy, func(ctx context.Context, tx Tx, p *Prescription) (EventType, interface{}, error) {
		if _, err := Next(p.Status, OpUpdate); err != nil {
			return "", nil, err
		}
		fields, clinical, err := applyPatch(p, patch, s.now())
		if err != nil {
			return "", nil, err
		}
		reassess = clinical
		return EventPrescriptionUpdated, UpdatedData{Fields: fields}, nil
	})
	if err != nil {
		return nil, err
	}
	if reassess {
		s.generateAlerts(ctx, p)
	}
	return p, nil
}

func (p Patch) empty() bool {
	if p.RefillsAllowed != nil || p.PrescriptionDate != nil {
		return false
	}
	if p.Notes != nil && strings.TrimSpace(*p.Notes) != "" {
		return false
	}
	for _, ip := range p.Items {
		if ip.QuantityPrescribed != nil || ip.DosageInstructions != nil || ip.DaySupply != nil {
			return false
		}
	}
	return true
}

// applyPatch mutates p and returns the changed field names. clinical is set
// when a quantity or day supply changed.
func applyPatch(p *Prescription, patch Patch, now time.Time) (fields []string, clinical bool, err error) {
	if patch.RefillsAllowed != nil {
		used := p.RefillsUsed()
		if *patch.RefillsAllowed < used {
			return nil, false, Validation("refills allowed %d is below the %d refill(s) already used", *patch.RefillsAllowed, used)
		}
		p.RefillsAllowed = *patch.RefillsAllowed
		p.RefillsRemaining = *patch.RefillsAllowed - used
		fields = append(fields, "refills_allowed")
	}

	if patch.PrescriptionDate != nil {
		if patch.PrescriptionDate.IsZero() {
			return nil, false, Validation("prescription date must be set")
		}
		p.PrescriptionDate = patch.PrescriptionDate.UTC()
		fields = append(fields, "prescription_date")
	}

	for _, ip := range patch.Items {
		it, ok := p.Item(ip.ID)
		if !ok {
			return nil, false, Validation("item %s does not belong to prescription %s", ip.ID, p.ID)
		}
		if ip.QuantityPrescribed == nil && ip.DosageInstructions == nil && ip.DaySupply == nil {
			continue
		}
		if (ip.QuantityPrescribed != nil || ip.DaySupply != nil) && p.Status != StatusPending {
			return nil, false, Validation("item %s: quantity and day supply can only change while %s, prescription is %s",
				ip.ID, StatusPending, p.Status)
		}
		if ip.QuantityPrescribed != nil {
			if *ip.QuantityPrescribed <= 0 {
				return nil, false, Validation("item %s: quantity must be positive", ip.ID)
			}
			clinical = clinical || *ip.QuantityPrescribed != it.QuantityPrescribed
			it.QuantityPrescribed = *ip.QuantityPrescribed
		}
		if ip.DosageInstructions != nil {
			it.DosageInstructions = *ip.DosageInstructions
		}
		if ip.DaySupply != nil {
			if *ip.DaySupply < 0 {
				return nil, false, Validation("item %s: day supply must not be negative", ip.ID)
			}
			clinical = clinical || *ip.DaySupply != it.DaySupply
			it.DaySupply = *ip.DaySupply
		}
		fields = append(fields, "items."+ip.ID)
	}

	if patch.Notes != nil && strings.TrimSpace(*patch.Notes) != "" {
		p.Notes = append(p.Notes, NewNote(now, patch.UpdatedBy, *patch.Notes))
		fields = append(fields, "notes")
	}
	return fields, clinical, nil
}

// AddNote appends an entry to the note log. Notes may be added in any status.
func (s *Service) AddNote(ctx context.Context, id, text, authorID string) (*NoteEntry, error) {
	if strings.TrimSpace(text) == "" {
		return nil, Validation("note text is required")
	}
	var added NoteEntry
	_, err := s.mutate(ctx, "add_note", id, authorID, func(ctx context.Context, tx Tx, p *Prescription) (EventType, interface{}, error) {
		added = NewNote(s.now(), authorID, text)
		p.Notes = append(p.Notes, added)
		return EventPrescriptionNoteAdded, NoteAddedData{Count: 1}, nil
	})
	if err != nil {
		return nil, err
	}
	return &added, nil
}

// ImportNotes appends the entries of a legacy text blob. Lines without a
// parsable timestamp are stamped with the import time.
func (s *Service) ImportNotes(ctx context.Context, id, blob, authorID string) ([]NoteEntry, error) {
	entries := ParseNotes(blob)
	if len(entries) == 0 {
		return nil, Validation("note text is required")
	}
	_, err := s.mutate(ctx, "import_notes", id, authorID, func(ctx context.Context, tx Tx, p *Prescription) (EventType, interface{}, error) {
		now := s.now()
		for i := range entries {
			if entries[i].At.IsZero() {
				entries[i].At = now
			}
		}
		p.Notes = append(p.Notes, entries...)
		return EventPrescriptionNoteAdded, NoteAddedData{Count: len(entries)}, nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Notes returns the ordered note log.
func (s *Service) Notes(ctx context.Context, id string) ([]NoteEntry, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.Notes, nil
}

type mutation func(ctx context.Context, tx Tx, p *Prescription) (EventType, interface{}, error)

// mutate runs fn under the per-prescription lock inside one unit of work,
// then saves with a version check and emits the resulting event.
func (s *Service) mutate(ctx context.Context, op, id, actorID string, fn mutation) (*Prescription, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "prescription."+op,
		trace.WithAttributes(attribute.String("prescription_id", id)))
	defer span.End()

	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		err = fmt.Errorf("lock prescription %s: %w", id, err)
		s.finish(span, op, start, err)
		return nil, err
	}
	defer unlock()

	var result *Prescription
	err = s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.Load(ctx, id)
		if err != nil {
			return err
		}
		eventType, data, err := fn(ctx, tx, p)
		if err != nil {
			return err
		}
		p.UpdatedAt = s.now()
		if err := tx.Save(ctx, p); err != nil {
			return err
		}
		ev, err := NewEvent(p, eventType, actorID, data)
		if err != nil {
			return err
		}
		if err := tx.Emit(ctx, ev); err != nil {
			return fmt.Errorf("emit %s: %w", eventType, err)
		}
		result = p
		return nil
	})
	s.finish(span, op, start, err)
	if err != nil {
		s.logger.Debug("prescription operation rejected",
			zap.String("op", op),
			zap.String("id", id),
			zap.Error(err))
		return nil, err
	}

	s.resolveDrugs(ctx, result)
	s.logger.Info("prescription updated",
		zap.String("op", op),
		zap.String("id", id),
		zap.String("status", string(result.Status)),
		zap.Int("version", result.Version))
	return result, nil
}

func (s *Service) finish(span trace.Span, op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
		span.RecordError(err)
		span.SetAttributes(attribute.String("outcome", outcome))
	}
	s.recorder.ObserveOperation(op, outcome, time.Since(start))
}

func (s *Service) resolveDrugs(ctx context.Context, p *Prescription) {
	for i := range p.Items {
		if p.Items[i].Drug != nil {
			continue
		}
		drug, err := s.drugs.Drug(ctx, p.Items[i].DrugID)
		if err != nil {
			s.logger.Warn("drug lookup failed",
				zap.String("drug_id", p.Items[i].DrugID),
				zap.Error(err))
			continue
		}
		p.Items[i].Drug = drug
	}
}

func (s *Service) drugName(ctx context.Context, id string) string {
	drug, err := s.drugs.Drug(ctx, id)
	if err != nil {
		return ""
	}
	return drug.GenericName
}
