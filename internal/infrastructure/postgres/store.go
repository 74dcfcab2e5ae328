package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
)

// EventControlledSubstanceDispensed is the outbox event type of dispensing log entries.
const EventControlledSubstanceDispensed = "ControlledSubstanceDispensed"

// Routes names the topics outbox entries are published to.
type Routes struct {
	Events     string
	Controlled string
}

// Store implements prescription.Store on PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	routes Routes
	logger *zap.Logger
}

// NewStore creates a store.
func NewStore(pool *pgxpool.Pool, routes Routes, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, routes: routes, logger: logger}
}

const prescriptionCols = `id, version, status, patient_id, patient_name,
	prescriber_id, prescriber_name, prescriber_license, prescriber_dea,
	prescription_date, refills_allowed, refills_remaining,
	verified_by, verified_at, dispensed_by, dispensed_at, created_at, updated_at`

func scanPrescription(row pgx.Row) (*prescription.Prescription, error) {
	var (
		p                       prescription.Prescription
		verifiedBy, dispensedBy *string
		verifiedAt, dispensedAt *time.Time
	)
	err := row.Scan(&p.ID, &p.Version, &p.Status, &p.Patient.ID, &p.Patient.Name,
		&p.Prescriber.ID, &p.Prescriber.Name, &p.Prescriber.License, &p.Prescriber.DEA,
		&p.PrescriptionDate, &p.RefillsAllowed, &p.RefillsRemaining,
		&verifiedBy, &verifiedAt, &dispensedBy, &dispensedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if verifiedBy != nil && verifiedAt != nil {
		p.Verified = &prescription.Stamp{By: *verifiedBy, At: verifiedAt.UTC()}
	}
	if dispensedBy != nil && dispensedAt != nil {
		p.Dispensed = &prescription.Stamp{By: *dispensedBy, At: dispensedAt.UTC()}
	}
	return &p, nil
}

func load(ctx context.Context, q queryable, id string, forUpdate bool) (*prescription.Prescription, error) {
	query := `SELECT ` + prescriptionCols + ` FROM prescriptions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	p, err := scanPrescription(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, prescription.NotFound("prescription", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load prescription %s: %w", id, err)
	}
	if err := attachChildren(ctx, q, []*prescription.Prescription{p}); err != nil {
		return nil, err
	}
	return p, nil
}

// attachChildren loads items and notes for a batch of prescriptions.
func attachChildren(ctx context.Context, q queryable, list []*prescription.Prescription) error {
	if len(list) == 0 {
		return nil
	}
	byID := make(map[string]*prescription.Prescription, len(list))
	ids := make([]string, 0, len(list))
	for _, p := range list {
		byID[p.ID] = p
		ids = append(ids, p.ID)
	}

	rows, err := q.Query(ctx, `
		SELECT prescription_id, id, drug_id, quantity_prescribed, quantity_dispensed,
		       dosage_instructions, day_supply
		FROM prescription_items
		WHERE prescription_id = ANY($1)
		ORDER BY prescription_id, position`, ids)
	if err != nil {
		return fmt.Errorf("query items: %w", err)
	}
	for rows.Next() {
		var rxID string
		var it prescription.Item
		if err := rows.Scan(&rxID, &it.ID, &it.DrugID, &it.QuantityPrescribed, &it.QuantityDispensed,
			&it.DosageInstructions, &it.DaySupply); err != nil {
			rows.Close()
			return fmt.Errorf("scan item: %w", err)
		}
		byID[rxID].Items = append(byID[rxID].Items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = q.Query(ctx, `
		SELECT prescription_id, at, author, text
		FROM prescription_notes
		WHERE prescription_id = ANY($1)
		ORDER BY prescription_id, seq`, ids)
	if err != nil {
		return fmt.Errorf("query notes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rxID string
		var n prescription.NoteEntry
		if err := rows.Scan(&rxID, &n.At, &n.Author, &n.Text); err != nil {
			return fmt.Errorf("scan note: %w", err)
		}
		n.At = n.At.UTC()
		byID[rxID].Notes = append(byID[rxID].Notes, n)
	}
	return rows.Err()
}

// Get returns a committed prescription.
func (s *Store) Get(ctx context.Context, id string) (*prescription.Prescription, error) {
	return load(ctx, s.pool, id, false)
}

// Search filters prescriptions, newest prescription date first.
func (s *Store) Search(ctx context.Context, f prescription.Filter) ([]*prescription.Prescription, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.PrescriberID != "" {
		add("prescriber_id = $%d", f.PrescriberID)
	}
	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if f.StartDate != nil {
		add("prescription_date >= $%d", *f.StartDate)
	}
	if f.EndDate != nil {
		add("prescription_date <= $%d", *f.EndDate)
	}

	query := `SELECT ` + prescriptionCols + ` FROM prescriptions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY prescription_date DESC, created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search prescriptions: %w", err)
	}
	var list []*prescription.Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan prescription: %w", err)
		}
		list = append(list, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := attachChildren(ctx, s.pool, list); err != nil {
		return nil, err
	}
	return list, nil
}

// Atomic runs fn in one database transaction.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx prescription.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx, routes: s.routes}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Stock returns the quantity on hand, zero for drugs never stocked.
func (s *Store) Stock(ctx context.Context, drugID string) (int, error) {
	return quantityAvailable(ctx, s.pool, drugID)
}

// Receive credits stock and returns the new quantity.
func (s *Store) Receive(ctx context.Context, drugID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, prescription.Validation("received quantity must be positive")
	}
	var total int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO inventory (drug_id, quantity_available)
		VALUES ($1, $2)
		ON CONFLICT (drug_id) DO UPDATE
		SET quantity_available = inventory.quantity_available + EXCLUDED.quantity_available,
		    updated_at = NOW()
		RETURNING quantity_available`, drugID, qty).Scan(&total)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return 0, prescription.NotFound("drug", drugID)
	}
	if err != nil {
		return 0, fmt.Errorf("receive stock for %s: %w", drugID, err)
	}
	s.logger.Info("stock received", zap.String("drug_id", drugID), zap.Int("quantity", qty), zap.Int("total", total))
	return total, nil
}

func quantityAvailable(ctx context.Context, q queryable, drugID string) (int, error) {
	var qty int
	err := q.QueryRow(ctx, `SELECT quantity_available FROM inventory WHERE drug_id = $1`, drugID).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read inventory for %s: %w", drugID, err)
	}
	return qty, nil
}

type pgTx struct {
	tx     pgx.Tx
	routes Routes
}

func (t *pgTx) Load(ctx context.Context, id string) (*prescription.Prescription, error) {
	return load(ctx, t.tx, id, true)
}

func (t *pgTx) Insert(ctx context.Context, p *prescription.Prescription) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO prescriptions (`+prescriptionCols+`)
		VALUES ($1, 1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULL, NULL, NULL, NULL, $12, $13)`,
		p.ID, p.Status, p.Patient.ID, p.Patient.Name,
		p.Prescriber.ID, p.Prescriber.Name, p.Prescriber.License, p.Prescriber.DEA,
		p.PrescriptionDate, p.RefillsAllowed, p.RefillsRemaining, p.CreatedAt, p.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return prescription.Conflict(p.ID, 0)
	}
	if err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}

	batch := &pgx.Batch{}
	for i, it := range p.Items {
		batch.Queue(`
			INSERT INTO prescription_items
			(id, prescription_id, position, drug_id, quantity_prescribed, quantity_dispensed, dosage_instructions, day_supply)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			it.ID, p.ID, i, it.DrugID, it.QuantityPrescribed, it.QuantityDispensed, it.DosageInstructions, it.DaySupply)
	}
	queueNotes(batch, p)
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert items and notes: %w", err)
	}
	p.Version = 1
	return nil
}

func (t *pgTx) Save(ctx context.Context, p *prescription.Prescription) error {
	var verifiedBy, dispensedBy *string
	var verifiedAt, dispensedAt *time.Time
	if p.Verified != nil {
		verifiedBy, verifiedAt = &p.Verified.By, &p.Verified.At
	}
	if p.Dispensed != nil {
		dispensedBy, dispensedAt = &p.Dispensed.By, &p.Dispensed.At
	}

	tag, err := t.tx.Exec(ctx, `
		UPDATE prescriptions SET
			version = version + 1, status = $3, prescription_date = $4,
			refills_allowed = $5, refills_remaining = $6,
			verified_by = $7, verified_at = $8, dispensed_by = $9, dispensed_at = $10,
			updated_at = $11
		WHERE id = $1 AND version = $2`,
		p.ID, p.Version, p.Status, p.PrescriptionDate,
		p.RefillsAllowed, p.RefillsRemaining,
		verifiedBy, verifiedAt, dispensedBy, dispensedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update prescription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return prescription.Conflict(p.ID, p.Version)
	}

	batch := &pgx.Batch{}
	for _, it := range p.Items {
		batch.Queue(`
			UPDATE prescription_items SET
				quantity_prescribed = $3, quantity_dispensed = $4,
				dosage_instructions = $5, day_supply = $6
			WHERE id = $1 AND prescription_id = $2`,
			it.ID, p.ID, it.QuantityPrescribed, it.QuantityDispensed, it.DosageInstructions, it.DaySupply)
	}
	queueNotes(batch, p)
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("update items and notes: %w", err)
	}
	p.Version++
	return nil
}

// queueNotes writes the note log. Existing sequence numbers are left untouched
// so the log stays append-only.
func queueNotes(batch *pgx.Batch, p *prescription.Prescription) {
	for i, n := range p.Notes {
		batch.Queue(`
			INSERT INTO prescription_notes (prescription_id, seq, at, author, text)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (prescription_id, seq) DO NOTHING`,
			p.ID, i, n.At, n.Author, n.Text)
	}
}

func (t *pgTx) Ledger() prescription.Ledger { return (*pgLedger)(t) }

func (t *pgTx) Dispensing() prescription.DispensingLog { return (*pgDispensing)(t) }

func (t *pgTx) Emit(ctx context.Context, e *prescription.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return WriteEntry(ctx, t.tx, &OutboxEntry{
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		EventType:     string(e.EventType),
		Payload:       payload,
		KafkaTopic:    t.routes.Events,
		KafkaKey:      e.AggregateID,
	})
}

type pgLedger pgTx

func (l *pgLedger) QuantityAvailable(ctx context.Context, drugID string) (int, error) {
	return quantityAvailable(ctx, l.tx, drugID)
}

func (l *pgLedger) Deduct(ctx context.Context, drugID string, qty int) error {
	if qty <= 0 {
		return prescription.Validation("deduction must be positive")
	}
	var remaining int
	err := l.tx.QueryRow(ctx, `
		UPDATE inventory
		SET quantity_available = quantity_available - $2, updated_at = NOW()
		WHERE drug_id = $1 AND quantity_available >= $2
		RETURNING quantity_available`, drugID, qty).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		available, rerr := quantityAvailable(ctx, l.tx, drugID)
		if rerr != nil {
			return rerr
		}
		return prescription.InsufficientInventory(drugID, "", available, qty)
	}
	if err != nil {
		return fmt.Errorf("deduct %s: %w", drugID, err)
	}
	return nil
}

type pgDispensing pgTx

func (d *pgDispensing) LogDispensing(ctx context.Context, e prescription.DispensingEntry) error {
	_, err := d.tx.Exec(ctx, `
		INSERT INTO controlled_substance_log
		(id, drug_id, drug_name, schedule, prescription_id, quantity, patient_id, patient_name,
		 prescriber_name, prescriber_dea, pharmacist_id, dispensed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.DrugID, e.DrugName, e.Schedule, e.PrescriptionID, e.Quantity, e.PatientID, e.PatientName,
		e.PrescriberName, e.PrescriberDEA, e.PharmacistID, e.DispensedAt)
	if err != nil {
		return fmt.Errorf("insert dispensing entry: %w", err)
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal dispensing entry: %w", err)
	}
	return WriteEntry(ctx, d.tx, &OutboxEntry{
		AggregateID:   e.PrescriptionID,
		AggregateType: prescription.AggregateType,
		EventType:     EventControlledSubstanceDispensed,
		Payload:       payload,
		KafkaTopic:    d.routes.Controlled,
		KafkaKey:      e.DrugID,
	})
}
