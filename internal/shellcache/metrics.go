package shellcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	requests      *prometheus.CounterVec
	revalidations *prometheus.CounterVec
	lifecycle     *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
	fetchSeconds  prometheus.Histogram
}

// newMetrics registers collectors on reg. A nil reg yields working but
// unregistered collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shellcache_requests_total",
			Help: "Intercepted requests by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		revalidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shellcache_background_revalidations_total",
			Help: "Background stale-while-revalidate fetches by result.",
		}, []string{"result"}),
		lifecycle: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shellcache_lifecycle_events_total",
			Help: "Worker lifecycle events.",
		}, []string{"event"}),
		storeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shellcache_storage_errors_total",
			Help: "Cache storage operations that failed.",
		}, []string{"op"}),
		fetchSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "shellcache_fetch_duration_seconds",
			Help:    "Network fetch latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// NewMetricsRegistry returns a registry with the process and go collectors.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
