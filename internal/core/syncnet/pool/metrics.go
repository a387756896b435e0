package pool

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// 连接池 Prometheus 指标，首次创建连接池时注册到默认 Registry

var (
	poolMetricsOnce sync.Once

	poolConnectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncnet",
		Subsystem: "pool",
		Name:      "connections",
		Help:      "Peers that are connected or being dialed.",
	})

	poolStreamsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncnet",
		Subsystem: "pool",
		Name:      "streams",
		Help:      "Open streams accounted by the pool (inbound and outbound).",
	})

	poolRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncnet",
			Subsystem: "pool",
			Name:      "rejected_total",
			Help:      "Stream requests rejected by the pool, by reason.",
		},
		[]string{"reason"},
	)

	poolDialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncnet",
			Subsystem: "pool",
			Name:      "dials_total",
			Help:      "Dial attempts, by result.",
		},
		[]string{"result"},
	)
)

func initPoolMetrics() {
	poolMetricsOnce.Do(func() {
		prometheus.MustRegister(
			poolConnectionsGauge,
			poolStreamsGauge,
			poolRejectedTotal,
			poolDialsTotal,
		)
	})
}
