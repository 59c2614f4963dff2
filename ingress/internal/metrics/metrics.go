// Package metrics exposes Prometheus metrics for the ingress service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every ingress collector. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	EventsBroadcast   *prometheus.CounterVec
	FramesDropped     prometheus.Counter
	Heartbeats        prometheus.Counter
	ControlMessages   *prometheus.CounterVec
}

// New creates the collectors on a dedicated registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections_active",
			Help:      "Current number of registered WebSocket connections",
		}),
		EventsBroadcast: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_broadcast_total",
			Help:      "Events fanned out to connections by type",
		}, []string{"type"}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because a connection buffer was full",
		}),
		Heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeat events broadcast",
		}),
		ControlMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_messages_total",
			Help:      "Inbound control messages by type",
		}, []string{"type"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Set(float64(n))
}

func (m *Metrics) ObserveBroadcast(eventType string) {
	if m == nil {
		return
	}
	m.EventsBroadcast.WithLabelValues(eventType).Inc()
	if eventType == "heartbeat" {
		m.Heartbeats.Inc()
	}
}

func (m *Metrics) ObserveDrop() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

func (m *Metrics) ObserveControl(msgType string) {
	if m == nil {
		return
	}
	m.ControlMessages.WithLabelValues(msgType).Inc()
}
