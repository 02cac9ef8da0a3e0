// Package metrics exposes the dispatcher's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dispatcher"

type Metrics struct {
	registry *prometheus.Registry

	Queued     prometheus.Counter
	Executed   prometheus.Counter
	Dropped    prometheus.Counter
	QueueDepth prometheus.Gauge
	Outcomes   *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		Queued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_queued_total",
			Help:      "Control requests accepted onto the queue.",
		}),
		Executed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_executed_total",
			Help:      "Control requests taken off the queue and executed.",
		}),
		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_dropped_total",
			Help:      "Control requests suppressed by a filter pipeline.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Control requests currently waiting on the queue.",
		}),
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_outcomes_total",
			Help:      "Executed requests by type and outcome.",
		}, []string{"type", "outcome"}),
	}
}

// Registry returns the registry backing the metrics, for the HTTP exporter.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
