package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	syncOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crew_ops",
			Name:      "sync_ops_total",
			Help:      "Queue ops by outcome (acknowledged, retried).",
		},
		[]string{"outcome"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crew_ops",
			Name:      "queue_depth",
			Help:      "Pending ops awaiting remote delivery.",
		},
	)

	bootstraps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crew_ops",
			Name:      "bootstraps_total",
			Help:      "Bootstrap runs by snapshot source.",
		},
		[]string{"source"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(syncOps, queueDepth, bootstraps)
	})
}

// IncSyncOp counts one queue op outcome.
func IncSyncOp(outcome string) {
	syncOps.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the current pending-op count.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// IncBootstrap counts a bootstrap by its snapshot source.
func IncBootstrap(source string) {
	bootstraps.WithLabelValues(source).Inc()
}
