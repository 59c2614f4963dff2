// Package metrics exposes Prometheus metrics for the orchestrator.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every orchestrator collector. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Triggers       *prometheus.CounterVec
	RunsActive     prometheus.Gauge
	RunsFinished   *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	EventsRecorded *prometheus.CounterVec
	OutboxDropped  prometheus.Counter
	PushFailures   prometheus.Counter
}

// New creates the collectors on a dedicated registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Triggers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Trigger requests by result",
		}, []string{"result"}),
		RunsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Runs with a live driver",
		}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal state by outcome",
		}, []string{"outcome"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage execution time by stage and outcome",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"stage", "outcome"}),
		EventsRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_recorded_total",
			Help:      "Events persisted by type",
		}, []string{"type"}),
		OutboxDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dropped_total",
			Help:      "Events not pushed to ingress because the outbox was full",
		}),
		PushFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_push_failures_total",
			Help:      "Failed pushes to ingress",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTrigger(result string) {
	if m == nil {
		return
	}
	m.Triggers.WithLabelValues(result).Inc()
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsActive.Inc()
}

func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.RunsActive.Dec()
	m.RunsFinished.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveStage(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsRecorded.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ObserveOutboxDrop() {
	if m == nil {
		return
	}
	m.OutboxDropped.Inc()
}

func (m *Metrics) ObservePushFailure() {
	if m == nil {
		return
	}
	m.PushFailures.Inc()
}
