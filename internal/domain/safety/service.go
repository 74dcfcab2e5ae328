package safety

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/pkg/circuitbreaker"
)

// Repository stores alerts.
type Repository interface {
	InsertAlerts(ctx context.Context, alerts []prescription.Alert) error
	AlertsFor(ctx context.Context, prescriptionID string) ([]prescription.Alert, error)
	// Acknowledge marks an alert acknowledged. Acknowledging twice keeps the first stamp.
	Acknowledge(ctx context.Context, alertID, by string, at time.Time) (*prescription.Alert, error)
}

// Service runs the rules and stores the resulting alerts.
type Service struct {
	repo   Repository
	rules  []Rule
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates an alert generator. With no rules the defaults are used.
func NewService(repo Repository, logger *zap.Logger, rules ...Rule) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(rules) == 0 {
		rules = DefaultRules(DefaultInteractions())
	}
	return &Service{
		repo:   repo,
		rules:  rules,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// GenerateAlerts evaluates every rule and stores the findings as unacknowledged alerts.
func (s *Service) GenerateAlerts(ctx context.Context, p *prescription.Prescription) ([]prescription.Alert, error) {
	now := s.now()
	var alerts []prescription.Alert
	for _, rule := range s.rules {
		for _, f := range rule(p) {
			alerts = append(alerts, prescription.Alert{
				ID:             uuid.New().String(),
				PrescriptionID: p.ID,
				Severity:       f.Severity,
				Kind:           f.Kind,
				Message:        f.Message,
				DrugIDs:        f.DrugIDs,
				CreatedAt:      now,
			})
		}
	}
	if len(alerts) == 0 {
		return []prescription.Alert{}, nil
	}
	if err := s.repo.InsertAlerts(ctx, alerts); err != nil {
		return nil, fmt.Errorf("store alerts: %w", err)
	}
	s.logger.Info("safety alerts generated",
		zap.String("prescription_id", p.ID),
		zap.Int("count", len(alerts)))
	return alerts, nil
}

// Alerts returns every alert stored for a prescription.
func (s *Service) Alerts(ctx context.Context, prescriptionID string) ([]prescription.Alert, error) {
	return s.repo.AlertsFor(ctx, prescriptionID)
}

// Acknowledge records that a pharmacist reviewed an alert.
func (s *Service) Acknowledge(ctx context.Context, alertID, by string) (*prescription.Alert, error) {
	if strings.TrimSpace(by) == "" {
		return nil, prescription.Validation("acknowledging pharmacist is required")
	}
	a, err := s.repo.Acknowledge(ctx, alertID, by, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("safety alert acknowledged",
		zap.String("alert_id", a.ID),
		zap.String("prescription_id", a.PrescriptionID),
		zap.String("severity", string(a.Severity)),
		zap.String("by", by))
	return a, nil
}

// Guarded routes an alert source through a circuit breaker. Workflow errors
// such as NotFound do not count against the circuit.
type Guarded struct {
	next    prescription.AlertSource
	breaker *circuitbreaker.Breaker
}

// Guard wraps src with b.
func Guard(src prescription.AlertSource, b *circuitbreaker.Breaker) *Guarded {
	return &Guarded{next: src, breaker: b}
}

// IsWorkflowError reports errors that describe the request rather than the collaborator.
func IsWorkflowError(err error) bool {
	return prescription.KindOf(err) != ""
}

func (g *Guarded) GenerateAlerts(ctx context.Context, p *prescription.Prescription) ([]prescription.Alert, error) {
	return circuitbreaker.Do(ctx, g.breaker, func(ctx context.Context) ([]prescription.Alert, error) {
		return g.next.GenerateAlerts(ctx, p)
	})
}

func (g *Guarded) Alerts(ctx context.Context, prescriptionID string) ([]prescription.Alert, error) {
	return circuitbreaker.Do(ctx, g.breaker, func(ctx context.Context) ([]prescription.Alert, error) {
		return g.next.Alerts(ctx, prescriptionID)
	})
}
