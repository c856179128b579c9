package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spacemonqi/ableton-mcp-extended/metric"
)

// bufferMetrics exposes buffer statistics as Prometheus metrics.
type bufferMetrics struct {
	writes      prometheus.Counter
	reads       prometheus.Counter
	drops       prometheus.Counter
	utilization prometheus.Gauge
}

func newBufferMetrics(registry *metric.MetricsRegistry, prefix string) (*bufferMetrics, error) {
	m := &bufferMetrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "motionroute",
			Subsystem:   "buffer",
			Name:        "writes_total",
			Help:        "Total items written to the buffer",
			ConstLabels: prometheus.Labels{"buffer": prefix},
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "motionroute",
			Subsystem:   "buffer",
			Name:        "reads_total",
			Help:        "Total items read from the buffer",
			ConstLabels: prometheus.Labels{"buffer": prefix},
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "motionroute",
			Subsystem:   "buffer",
			Name:        "drops_total",
			Help:        "Items dropped due to the overflow policy",
			ConstLabels: prometheus.Labels{"buffer": prefix},
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "motionroute",
			Subsystem:   "buffer",
			Name:        "utilization_ratio",
			Help:        "Buffer fill level (0-1) indicating backpressure",
			ConstLabels: prometheus.Labels{"buffer": prefix},
		}),
	}

	if err := registry.RegisterCounter(prefix, "buffer_writes", m.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "buffer_reads", m.reads); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "buffer_drops", m.drops); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "buffer_utilization", m.utilization); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *bufferMetrics) recordWrite(size, capacity int) {
	m.writes.Inc()
	m.utilization.Set(float64(size) / float64(capacity))
}

func (m *bufferMetrics) recordRead(size, capacity int) {
	m.reads.Inc()
	m.utilization.Set(float64(size) / float64(capacity))
}

func (m *bufferMetrics) recordDrop() {
	m.drops.Inc()
}
