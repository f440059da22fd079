package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors of the sync engine. A nil *Metrics
// records nothing.
type Metrics struct {
	cycles      *prometheus.CounterVec
	cycleErrors *prometheus.CounterVec
	keys        *prometheus.CounterVec
	conflicts   prometheus.Counter
	outboxSize  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lnsync",
			Subsystem: "sync",
			Name:      "cycles_total",
			Help:      "Number of completed sync cycles.",
		}, []string{"direction"}),
		cycleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lnsync",
			Subsystem: "sync",
			Name:      "cycle_errors_total",
			Help:      "Number of failed sync cycles.",
		}, []string{"direction"}),
		keys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lnsync",
			Subsystem: "sync",
			Name:      "keys_total",
			Help:      "Number of keys written or deleted per direction.",
		}, []string{"direction", "action"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lnsync",
			Subsystem: "sync",
			Name:      "push_conflicts_total",
			Help:      "Number of pushes rejected by the remote store.",
		}),
		outboxSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lnsync",
			Subsystem: "sync",
			Name:      "outbox_items",
			Help:      "Pending outbox items seen by the last push.",
		}),
	}

	collectors := []prometheus.Collector{
		m.cycles, m.cycleErrors, m.keys, m.conflicts, m.outboxSize,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) cycleDone(dir string, err error) {
	if m == nil {
		return
	}

	if err != nil {
		m.cycleErrors.WithLabelValues(dir).Inc()
		return
	}
	m.cycles.WithLabelValues(dir).Inc()
}

func (m *Metrics) keysSynced(dir, action string, n int) {
	if m == nil || n == 0 {
		return
	}

	m.keys.WithLabelValues(dir, action).Add(float64(n))
}

func (m *Metrics) conflict() {
	if m == nil {
		return
	}

	m.conflicts.Inc()
}

func (m *Metrics) outbox(n int) {
	if m == nil {
		return
	}

	m.outboxSize.Set(float64(n))
}
