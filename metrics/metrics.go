// Package metrics exposes the Prometheus collectors recognized by the vote
// collector's telemetry surface.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles every counter and gauge the pipeline records against.
type Collector struct {
	ListenerPagesFetched            prometheus.Counter
	ListenerTransactionsProcessed   prometheus.Counter
	ListenerTransactionsDeadLettered prometheus.Counter

	WeightPendingCount   prometheus.Counter
	WeightCompletedCount prometheus.Counter
	WeightFailedCount    prometheus.Counter

	CursorStateVersion prometheus.Gauge

	DedupHits prometheus.Counter
}

var (
	once     sync.Once
	instance *Collector
)

// Default returns the process-wide metrics registry, registering its
// collectors with the default Prometheus registerer on first use.
func Default() *Collector {
	once.Do(func() {
		instance = newCollector(prometheus.DefaultRegisterer)
	})
	return instance
}

// NewForRegistry builds a fresh, independently registered Collector. Tests
// use this to avoid colliding with the process-wide default registerer.
func NewForRegistry(reg prometheus.Registerer) *Collector {
	return newCollector(reg)
}

func newCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ListenerPagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "govvoted",
			Subsystem: "listener",
			Name:      "pages_fetched_total",
			Help:      "Total pages fetched from the upstream committed-transaction stream.",
		}),
		ListenerTransactionsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "govvoted",
			Subsystem: "listener",
			Name:      "transactions_processed_total",
			Help:      "Total transactions committed by the per-transaction handler.",
		}),
		ListenerTransactionsDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "govvoted",
			Subsystem: "listener",
			Name:      "transactions_dead_lettered_total",
			Help:      "Total transactions recorded to the dead-letter collection.",
		}),
		WeightPendingCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "govvoted",
			Subsystem: "weight",
			Name:      "pending_total",
			Help:      "Total weight calculations that returned a pending result.",
		}),
		WeightCompletedCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "govvoted",
			Subsystem: "weight",
			Name:      "completed_total",
			Help:      "Total weight calculations that returned a determinate result.",
		}),
		WeightFailedCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "govvoted",
			Subsystem: "weight",
			Name:      "failed_total",
			Help:      "Total weight calculations that failed with an error or exhausted their trigger attempts.",
		}),
		CursorStateVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "govvoted",
			Subsystem: "cursor",
			Name:      "state_version",
			Help:      "The last committed state version.",
		}),
		DedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "govvoted",
			Subsystem: "dedup",
			Name:      "hits_total",
			Help:      "Total transactions rejected as replays by the dedup buffer.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			c.ListenerPagesFetched,
			c.ListenerTransactionsProcessed,
			c.ListenerTransactionsDeadLettered,
			c.WeightPendingCount,
			c.WeightCompletedCount,
			c.WeightFailedCount,
			c.CursorStateVersion,
			c.DedupHits,
		)
	}
	return c
}
