package cyclestats

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	entries    prometheus.Counter
	orphaned   prometheus.Counter
	swOverflow prometheus.Counter
	hwOverflow prometheus.Counter
}

func newMetrics(name string) *metrics {
	const (
		namespace = "gpumem"
		subsystem = "css"
	)

	labels := prometheus.Labels{"device": name}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	return &metrics{
		entries: counter("entries_total",
			"Snapshot entries delivered to clients"),
		orphaned: counter("orphaned_entries_total",
			"Snapshot entries whose perfmon ID belongs to no client"),
		swOverflow: counter("sw_overflow_total",
			"Snapshot entries dropped because a client ring was full"),
		hwOverflow: counter("hw_overflow_total",
			"Hardware snapshot buffer overflows"),
	}
}

// PrometheusCollectors returns the metrics of the multiplexer.
func (m *Multiplexer) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.metrics.entries,
		m.metrics.orphaned,
		m.metrics.swOverflow,
		m.metrics.hwOverflow,
	}
}
