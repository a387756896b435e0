package server

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	serverMetricsOnce sync.Once

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncnet",
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Inbound requests, by protocol and result.",
		},
		[]string{"protocol", "result"},
	)

	recordsServedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncnet",
			Subsystem: "server",
			Name:      "records_served_total",
			Help:      "Records written to peers, by protocol.",
		},
		[]string{"protocol"},
	)

	inflightRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncnet",
		Subsystem: "server",
		Name:      "inflight_requests",
		Help:      "Inbound requests currently being served.",
	})
)

func initServerMetrics() {
	serverMetricsOnce.Do(func() {
		prometheus.MustRegister(requestsTotal, recordsServedTotal, inflightRequests)
	})
}
