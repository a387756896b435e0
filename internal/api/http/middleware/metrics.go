package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	apiMetricsOnce sync.Once

	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncnode",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Admin API requests, by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "syncnode",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Admin API request latency.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method", "route"},
	)
)

// Metrics 收集请求计数与耗时
// 以路由模板作为标签，未匹配的路径统一记为 unmatched
func Metrics() gin.HandlerFunc {
	apiMetricsOnce.Do(func() {
		prometheus.MustRegister(requestCounter, requestDuration)
	})
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		requestCounter.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		requestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
