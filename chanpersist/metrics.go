package chanpersist

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors of the coordinator. A nil *Metrics
// records nothing.
type Metrics struct {
	pending    prometheus.Gauge
	failures   prometheus.Counter
	ackLatency prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lnsync",
			Subsystem: "chanpersist",
			Name:      "pending_pipelines",
			Help:      "Channel updates waiting for remote durability.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lnsync",
			Subsystem: "chanpersist",
			Name:      "local_write_failures_total",
			Help:      "Channel updates that failed to persist locally.",
		}),
		ackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lnsync",
			Subsystem: "chanpersist",
			Name:      "ack_latency_seconds",
			Help:      "Time from persist request to remote durability.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}

	for _, c := range []prometheus.Collector{
		m.pending, m.failures, m.ackLatency,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}

	m.pending.Set(float64(n))
}

func (m *Metrics) failed() {
	if m == nil {
		return
	}

	m.failures.Inc()
}

func (m *Metrics) resolved(latency time.Duration) {
	if m == nil {
		return
	}

	m.ackLatency.Observe(latency.Seconds())
}
