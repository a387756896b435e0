package dispatcher

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	dispatcherMetricsOnce sync.Once

	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncnet",
			Subsystem: "dispatcher",
			Name:      "queries_total",
			Help:      "Finished queries, by outcome (success, partial, failed, cancelled).",
		},
		[]string{"outcome"},
	)

	attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncnet",
			Subsystem: "dispatcher",
			Name:      "attempts_total",
			Help:      "Query attempts against a single peer, by result error kind.",
		},
		[]string{"result"},
	)

	itemsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "syncnet",
		Subsystem: "dispatcher",
		Name:      "items_total",
		Help:      "Response items received from peers.",
	})

	inflightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncnet",
		Subsystem: "dispatcher",
		Name:      "inflight_queries",
		Help:      "Queries holding a query id.",
	})

	queryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "syncnet",
		Subsystem: "dispatcher",
		Name:      "query_duration_seconds",
		Help:      "Time from issue to terminal outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	})
)

func initDispatcherMetrics() {
	dispatcherMetricsOnce.Do(func() {
		prometheus.MustRegister(queriesTotal, attemptsTotal, itemsTotal, inflightGauge, queryDuration)
	})
}
