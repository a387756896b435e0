package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	runtimeMetricsOnce sync.Once

	heapAllocGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncnode",
		Subsystem: "runtime",
		Name:      "heap_alloc_bytes",
		Help:      "Go heap bytes allocated at the last sample.",
	})

	rssGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncnode",
		Subsystem: "runtime",
		Name:      "rss_bytes",
		Help:      "Resident set size at the last sample.",
	})

	goroutinesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncnode",
		Subsystem: "runtime",
		Name:      "goroutines",
		Help:      "Goroutines at the last sample.",
	})

	openFDsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncnode",
		Subsystem: "runtime",
		Name:      "open_fds",
		Help:      "Open file descriptors at the last sample.",
	})

	samplesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "syncnode",
		Subsystem: "runtime",
		Name:      "samples_total",
		Help:      "Runtime samples taken.",
	})
)

func initRuntimeMetrics() {
	runtimeMetricsOnce.Do(func() {
		prometheus.MustRegister(heapAllocGauge, rssGauge, goroutinesGauge, openFDsGauge, samplesTotal)
	})
}

func observe(s Sample) {
	heapAllocGauge.Set(float64(s.HeapAlloc))
	rssGauge.Set(float64(s.RSSBytes))
	goroutinesGauge.Set(float64(s.NumGoroutine))
	openFDsGauge.Set(float64(s.OpenFDs))
	samplesTotal.Inc()
}
