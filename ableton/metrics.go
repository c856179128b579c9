package ableton

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/spacemonqi/ableton-mcp-extended/metric"
)

// clientMetrics tracks command traffic on the TCP bridge.
type clientMetrics struct {
	commands *prometheus.CounterVec
	failures *prometheus.CounterVec
	latency  prometheus.Histogram
}

// NewClientMetrics registers command metrics on the shared registry.
func NewClientMetrics(registry *metric.MetricsRegistry) (*clientMetrics, error) {
	m := &clientMetrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "motionroute",
			Subsystem: "ableton",
			Name:      "commands_total",
			Help:      "Commands sent to the target application bridge",
		}, []string{"command"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "motionroute",
			Subsystem: "ableton",
			Name:      "command_failures_total",
			Help:      "Commands that failed with an error",
		}, []string{"command"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "motionroute",
			Subsystem: "ableton",
			Name:      "command_duration_seconds",
			Help:      "Round-trip time of bridge commands",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if err := registry.RegisterCounterVec("ableton", "commands", m.commands); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("ableton", "command_failures", m.failures); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram("ableton", "command_duration", m.latency); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *clientMetrics) observe(command string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command).Inc()
	if err != nil {
		m.failures.WithLabelValues(command).Inc()
	}
	m.latency.Observe(elapsed.Seconds())
}

// senderMetrics tracks fire-and-forget parameter dispatch.
type senderMetrics struct {
	sent   prometheus.Counter
	errors prometheus.Counter
}

// NewSenderMetrics registers dispatch metrics on the shared registry.
func NewSenderMetrics(registry *metric.MetricsRegistry) (*senderMetrics, error) {
	m := &senderMetrics{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "motionroute",
			Subsystem: "ableton",
			Name:      "parameters_sent_total",
			Help:      "Parameter datagrams dispatched",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "motionroute",
			Subsystem: "ableton",
			Name:      "parameter_send_errors_total",
			Help:      "Parameter datagrams that failed to send",
		}),
	}

	if err := registry.RegisterCounter("ableton", "parameters_sent", m.sent); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("ableton", "parameter_send_errors", m.errors); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *senderMetrics) observe(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.errors.Inc()
		return
	}
	m.sent.Inc()
}
