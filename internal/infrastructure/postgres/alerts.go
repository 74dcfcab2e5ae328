package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
)

// AlertRepository stores safety alerts.
type AlertRepository struct {
	pool *pgxpool.Pool
}

// NewAlertRepository creates an alert repository.
func NewAlertRepository(pool *pgxpool.Pool) *AlertRepository {
	return &AlertRepository{pool: pool}
}

const alertCols = `id, prescription_id, severity, kind, message, drug_ids,
	acknowledged, acknowledged_by, acknowledged_at, created_at`

func scanAlert(row pgx.Row) (*prescription.Alert, error) {
	var (
		a  prescription.Alert
		by *string
	)
	err := row.Scan(&a.ID, &a.PrescriptionID, &a.Severity, &a.Kind, &a.Message, &a.DrugIDs,
		&a.Acknowledged, &by, &a.AcknowledgedAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if by != nil {
		a.AcknowledgedBy = *by
	}
	return &a, nil
}

func (r *AlertRepository) InsertAlerts(ctx context.Context, alerts []prescription.Alert) error {
	batch := &pgx.Batch{}
	for _, a := range alerts {
		drugIDs := a.DrugIDs
		if drugIDs == nil {
			drugIDs = []string{}
		}
		batch.Queue(`
			INSERT INTO safety_alerts (id, prescription_id, severity, kind, message, drug_ids, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			a.ID, a.PrescriptionID, a.Severity, a.Kind, a.Message, drugIDs, a.CreatedAt)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert alerts: %w", err)
	}
	return nil
}

func (r *AlertRepository) AlertsFor(ctx context.Context, prescriptionID string) ([]prescription.Alert, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+alertCols+`
		FROM safety_alerts WHERE prescription_id = $1 ORDER BY created_at, id`, prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	out := make([]prescription.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *AlertRepository) Acknowledge(ctx context.Context, alertID, by string, at time.Time) (*prescription.Alert, error) {
	a, err := scanAlert(r.pool.QueryRow(ctx, `
		UPDATE safety_alerts SET
			acknowledged = TRUE,
			acknowledged_by = COALESCE(acknowledged_by, $2),
			acknowledged_at = COALESCE(acknowledged_at, $3)
		WHERE id = $1
		RETURNING `+alertCols, alertID, by, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, prescription.NotFound("alert", alertID)
	}
	if err != nil {
		return nil, fmt.Errorf("acknowledge alert %s: %w", alertID, err)
	}
	return a, nil
}

// Catalog reads drugs from the drugs table.
type Catalog struct {
	pool *pgxpool.Pool
}

// NewCatalog creates a drug catalog.
func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool}
}

func (c *Catalog) Drug(ctx context.Context, id string) (*prescription.Drug, error) {
	var d prescription.Drug
	err := c.pool.QueryRow(ctx, `
		SELECT id, generic_name, schedule, max_daily_quantity FROM drugs WHERE id = $1`, id).
		Scan(&d.ID, &d.GenericName, &d.Schedule, &d.MaxDailyQuantity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, prescription.NotFound("drug", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load drug %s: %w", id, err)
	}
	return &d, nil
}

// UpsertDrugs seeds or refreshes catalog entries.
func (c *Catalog) UpsertDrugs(ctx context.Context, drugs ...prescription.Drug) error {
	batch := &pgx.Batch{}
	for _, d := range drugs {
		sched := d.Schedule
		if sched == "" {
			sched = prescription.ScheduleNone
		}
		batch.Queue(`
			INSERT INTO drugs (id, generic_name, schedule, max_daily_quantity)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE
			SET generic_name = EXCLUDED.generic_name, schedule = EXCLUDED.schedule,
			    max_daily_quantity = EXCLUDED.max_daily_quantity`,
			d.ID, d.GenericName, sched, d.MaxDailyQuantity)
	}
	if err := c.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert drugs: %w", err)
	}
	return nil
}
