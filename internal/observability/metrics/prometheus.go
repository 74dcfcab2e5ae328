// Package metrics exposes Prometheus metrics for the workflow, the outbox
// relay and the dispensing archiver.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-rxfill/pkg/circuitbreaker"
)

const namespace = "rxfill"

// Metrics holds all collectors. It implements the workflow and relay
// recorder interfaces.
type Metrics struct {
	registry *prometheus.Registry

	Operations       *prometheus.CounterVec
	OperationSeconds *prometheus.HistogramVec
	AlertFailures    prometheus.Counter
	HTTPRequests     *prometheus.CounterVec
	HTTPSeconds      *prometheus.HistogramVec
	OutboxSent       *prometheus.CounterVec
	OutboxFailures   *prometheus.CounterVec
	OutboxDead       prometheus.Counter
	OutboxPending    prometheus.Gauge
	Archived         *prometheus.CounterVec
}

// New creates the collectors on a fresh registry that also carries the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_operations_total",
			Help:      "Workflow operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		OperationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_operation_duration_seconds",
			Help:      "Workflow operation latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"operation"}),
		AlertFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_alert_generation_failures_total",
			Help:      "Safety alert generation failures that did not block creation",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status",
		}, []string{"route", "method", "status"}),
		HTTPSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		OutboxSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox entries published by topic",
		}, []string{"topic"}),
		OutboxFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_publish_failures_total",
			Help:      "Failed outbox publish attempts by topic",
		}, []string{"topic"}),
		OutboxDead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dead_lettered_total",
			Help:      "Outbox entries moved to the dead letter topic",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending_entries",
			Help:      "Unpublished outbox entries",
		}),
		Archived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispensing_archived_total",
			Help:      "Controlled substance records handled by the archiver by result",
		}, []string{"result"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Operations,
		m.OperationSeconds,
		m.AlertFailures,
		m.HTTPRequests,
		m.HTTPSeconds,
		m.OutboxSent,
		m.OutboxFailures,
		m.OutboxDead,
		m.OutboxPending,
		m.Archived,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveOperation(op, outcome string, d time.Duration) {
	m.Operations.WithLabelValues(op, outcome).Inc()
	m.OperationSeconds.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) AlertGenerationFailed() { m.AlertFailures.Inc() }

func (m *Metrics) ObserveHTTP(route, method string, status int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(route, method, statusClass(status)).Inc()
	m.HTTPSeconds.WithLabelValues(route, method).Observe(d.Seconds())
}

func (m *Metrics) OutboxPublished(topic string, n int) {
	m.OutboxSent.WithLabelValues(topic).Add(float64(n))
}

func (m *Metrics) OutboxFailed(topic string) { m.OutboxFailures.WithLabelValues(topic).Inc() }

func (m *Metrics) OutboxDeadLettered(n int) { m.OutboxDead.Add(float64(n)) }

// ArchiveResult counts one archiver outcome: stored, duplicate or failed.
func (m *Metrics) ArchiveResult(result string) { m.Archived.WithLabelValues(result).Inc() }

// WatchBreakers exports breaker states from r at scrape time.
func (m *Metrics) WatchBreakers(r *circuitbreaker.Registry) {
	m.registry.MustRegister(&breakerCollector{registry: r})
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

var breakerStateDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "circuit_breaker_state"),
	"Circuit breaker state (0=closed, 1=open, 2=half-open)",
	[]string{"name"}, nil,
)

type breakerCollector struct {
	registry *circuitbreaker.Registry
}

func (c *breakerCollector) Describe(ch chan<- *prometheus.Desc) { ch <- breakerStateDesc }

func (c *breakerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, h := range c.registry.Health() {
		v := 0.0
		switch h.State {
		case circuitbreaker.StateOpen:
			v = 1
		case circuitbreaker.StateHalfOpen:
			v = 2
		}
		ch <- prometheus.MustNewConstMetric(breakerStateDesc, prometheus.GaugeValue, v, h.Name)
	}
}
