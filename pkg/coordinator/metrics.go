package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the coordinator's operational counters, exposed on the RPC
// server's /metrics endpoint.
type Metrics struct {
	Ticks          prometheus.Counter
	Approvals      prometheus.Counter
	Timeouts       prometheus.Counter
	Orphans        prometheus.Counter
	ResultStoreLen prometheus.Gauge
}

// NewMetrics builds and registers the collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	reg.MustRegister(m.Ticks, m.Approvals, m.Timeouts, m.Orphans, m.ResultStoreLen)
	return m
}

// NopMetrics builds unregistered collectors for tests and tools.
func NopMetrics() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pos_coordinator_ticks_total",
			Help: "Control loop ticks executed.",
		}),
		Approvals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pos_coordinator_approvals_total",
			Help: "Repair tasks promoted to Preparing.",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pos_coordinator_timeouts_total",
			Help: "Repair tasks cancelled by the timeout pass.",
		}),
		Orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pos_coordinator_orphans_cancelled_total",
			Help: "Orphaned repair tasks cancelled.",
		}),
		ResultStoreLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pos_result_store_entries",
			Help: "Operation results currently cached.",
		}),
	}
}
