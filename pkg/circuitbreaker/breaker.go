// Package circuitbreaker guards calls to flaky collaborators with sony/gobreaker,
// reporting requests and state changes through OpenTelemetry.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrOpen is returned without calling the guarded function while the breaker rejects traffic.
var ErrOpen = errors.New("circuit breaker open")

// State of a breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds breaker tuning.
type Config struct {
	Name string
	// MaxRequests is the number of trial calls allowed while half-open.
	MaxRequests uint32
	// Interval clears counts while closed; zero never clears.
	Interval time.Duration
	// Timeout is how long the breaker stays open before trying again.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// Ignore reports errors that should count as successes, such as caller mistakes.
	Ignore func(error) bool
}

// DefaultConfig returns defaults for in-cluster collaborators.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             15 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Breaker wraps a gobreaker circuit with tracing and metrics.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer

	requests metric.Int64Counter
	rejected metric.Int64Counter

	mu    sync.RWMutex
	state State
}

// New creates a breaker.
func New(cfg Config, logger *zap.Logger) (*Breaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultConfig(cfg.Name).ConsecutiveFailures
	}

	meter := otel.Meter("circuit-breaker")
	b := &Breaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
		state:  StateClosed,
	}

	var err error
	b.requests, err = meter.Int64Counter("circuit_breaker_requests_total",
		metric.WithDescription("Calls through the circuit breaker by result"))
	if err != nil {
		return nil, fmt.Errorf("create request counter: %w", err)
	}
	b.rejected, err = meter.Int64Counter("circuit_breaker_rejected_total",
		metric.WithDescription("Calls rejected while the circuit was open"))
	if err != nil {
		return nil, fmt.Errorf("create rejected counter: %w", err)
	}

	threshold := cfg.ConsecutiveFailures
	ignore := cfg.Ignore
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || (ignore != nil && ignore(err))
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.onStateChange(from, to)
		},
	})
	return b, nil
}

// Do runs fn through the breaker. An open circuit yields ErrOpen.
func Do[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, span := b.tracer.Start(ctx, "circuit_breaker.do",
		trace.WithAttributes(
			attribute.String("breaker", b.name),
			attribute.String("state", string(b.State())),
		))
	defer span.End()

	var zero T
	out, err := b.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	name := attribute.String("name", b.name)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.rejected.Add(ctx, 1, metric.WithAttributes(name))
		span.SetAttributes(attribute.Bool("circuit_open", true))
		return zero, fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
	if err != nil {
		b.requests.Add(ctx, 1, metric.WithAttributes(name, attribute.String("result", "error")))
		span.RecordError(err)
		return zero, err
	}
	b.requests.Add(ctx, 1, metric.WithAttributes(name, attribute.String("result", "ok")))
	if out == nil {
		return zero, nil
	}
	return out.(T), nil
}

// State returns the last observed state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

func (b *Breaker) onStateChange(from, to gobreaker.State) {
	b.mu.Lock()
	b.state = mapState(to)
	b.mu.Unlock()

	b.logger.Warn("circuit breaker state changed",
		zap.String("breaker", b.name),
		zap.String("from", string(mapState(from))),
		zap.String("to", string(mapState(to))))
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Health is a snapshot of one breaker for health endpoints.
type Health struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
}

// Registry tracks breakers by name.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), logger: logger}
}

// Get returns the named breaker, creating it from cfg on first use.
func (r *Registry) Get(cfg Config) (*Breaker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[cfg.Name]; ok {
		return b, nil
	}
	b, err := New(cfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.breakers[cfg.Name] = b
	return b, nil
}

// Health reports every breaker, sorted by name.
func (r *Registry) Health() []Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Health, 0, len(r.breakers))
	for name, b := range r.breakers {
		counts := b.cb.Counts()
		out = append(out, Health{
			Name:     name,
			State:    b.State(),
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
