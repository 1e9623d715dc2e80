// Package metrics exposes the strategist's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/elys-network/supervault/internal/types"
)

const namespace = "strategist"

// Metrics holds every collector. Each instance owns its registry so tests can build many.
type Metrics struct {
	registry *prometheus.Registry

	Cycles           *prometheus.CounterVec
	Decisions        *prometheus.CounterVec
	Deferrals        prometheus.Counter
	Executions       *prometheus.CounterVec
	SnapshotFailures *prometheus.CounterVec
	InFlight         prometheus.Gauge
	Confidence       *prometheus.GaugeVec
	CycleDuration    *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed cycles by tick kind and outcome.",
		}, []string{"tick", "outcome"}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decisions produced by the evaluator, by action.",
		}, []string{"action"}),
		Deferrals: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_deferred_total",
			Help:      "Executable decisions deferred because another execution was in flight.",
		}),
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Execution results by aggregate receipt status.",
		}, []string{"status"}),
		SnapshotFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_failures_total",
			Help:      "Venues whose snapshot could not be collected or was incomplete.",
		}, []string{"venue"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "execution_in_flight",
			Help:      "1 while a decision holds the single-flight guard.",
		}),
		Confidence: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "venue_confidence",
			Help:      "Latest historical confidence per venue.",
		}, []string{"venue"}),
		CycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a cycle by tick kind.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"tick"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveCycle(tick types.TickKind, outcome string, seconds float64) {
	m.Cycles.WithLabelValues(string(tick), outcome).Inc()
	m.CycleDuration.WithLabelValues(string(tick)).Observe(seconds)
}

func (m *Metrics) ObserveDecision(action types.Action) {
	m.Decisions.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) ObserveExecution(status types.ReceiptStatus) {
	m.Executions.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) ObserveSnapshotFailure(venue types.VenueID) {
	m.SnapshotFailures.WithLabelValues(string(venue)).Inc()
}

func (m *Metrics) SetInFlight(held bool) {
	if held {
		m.InFlight.Set(1)
		return
	}
	m.InFlight.Set(0)
}

func (m *Metrics) SetConfidence(venue types.VenueID, v float64) {
	m.Confidence.WithLabelValues(string(venue)).Set(v)
}
