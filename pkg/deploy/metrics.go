package deploy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/newtron-network/newtrule/pkg/rule"
)

const metricsNamespace = "newtrule"

// Metrics records deployment outcomes.
type Metrics struct {
	ops    *prometheus.CounterVec
	writes *prometheus.HistogramVec
}

// NewMetrics creates the deploy collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "deploy",
			Name:      "ops_total",
			Help:      "Rule ops deployed, by device, op kind and outcome.",
		}, []string{"device", "kind", "status"}),
		writes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "deploy",
			Name:      "write_duration_seconds",
			Help:      "Latency of single table writes.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"device", "update"}),
	}
	if reg != nil {
		reg.MustRegister(m.ops, m.writes)
	}
	return m
}

func (m *Metrics) observeOp(device string, kind rule.OpKind, st Status) {
	m.ops.WithLabelValues(device, string(kind), string(st)).Inc()
}

func (m *Metrics) observeWrite(device string, u rule.UpdateType, d time.Duration) {
	m.writes.WithLabelValues(device, string(u)).Observe(d.Seconds())
}
