package vidmem

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	bytesPending  prometheus.Gauge
	clearedBytes  prometheus.Counter
	clearFailures prometheus.Counter
	enqueued      prometheus.Counter
}

func newMetrics(name string) *metrics {
	const (
		namespace = "gpumem"
		subsystem = "vidmem"
	)

	labels := prometheus.Labels{"device": name}

	return &metrics{
		bytesPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "bytes_pending",
			Help:        "Bytes of freed vidmem waiting to be cleared",
			ConstLabels: labels,
		}),
		clearedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "cleared_bytes_total",
			Help:        "Bytes of freed vidmem cleared by the clearing thread",
			ConstLabels: labels,
		}),
		clearFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "clear_failures_total",
			Help:        "Regions returned to the allocator without a successful clear",
			ConstLabels: labels,
		}),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "enqueued_total",
			Help:        "Regions queued for clearing",
			ConstLabels: labels,
		}),
	}
}

// PrometheusCollectors returns the metrics of the manager.
func (m *Manager) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.metrics.bytesPending,
		m.metrics.clearedBytes,
		m.metrics.clearFailures,
		m.metrics.enqueued,
	}
}
