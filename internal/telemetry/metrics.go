package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "checker_jobs_created_total", Help: "Verification jobs created"})
	JobsAutoStopped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "checker_jobs_auto_stopped_total", Help: "Jobs halted by a stop condition"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "checker_rate_limit_rejects_total", Help: "API requests rejected by rate limiter"})
	ChecksTotal      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "checker_checks_total", Help: "Completed credential checks by classification"}, []string{"classification"})
	CheckLatency     = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "checker_check_latency_seconds",
		Help:    "Per-credential verification latency",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
	InFlightGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "checker_inflight", Help: "Credential checks currently in flight"})
	ProxyDeadGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "checker_proxies_dead", Help: "Proxy endpoints currently marked dead"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsAutoStopped,
			RateLimitRejects,
			ChecksTotal,
			CheckLatency,
			InFlightGauge,
			ProxyDeadGauge,
		)
	})
	return promhttp.Handler()
}
