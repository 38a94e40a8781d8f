package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Payload kinds used as metric labels.
const (
	KindMeasurement = "measurement"
	KindMessage     = "message"
)

// Drop reasons used as metric labels.
const (
	ReasonParse         = "parse"
	ReasonCacheMiss     = "cache_miss"
	ReasonUnauthorized  = "unauthorized"
	ReasonPublish       = "publish"
	ReasonOversizeBatch = "oversize_batch"
)

// Metrics holds the gateway's Prometheus metric set.
type Metrics struct {
	IngressTotal    *prometheus.CounterVec
	AuthorizedTotal *prometheus.CounterVec
	DroppedTotal    *prometheus.CounterVec

	TickDuration   prometheus.Histogram
	ReloadDuration prometheus.Histogram

	CacheEntries *prometheus.GaugeVec
}

// New creates and registers the metric set on the given registerer. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		IngressTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgw_ingress_payloads_total",
				Help: "Total number of payloads accepted from the public broker.",
			},
			[]string{"kind"},
		),

		AuthorizedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgw_authorized_payloads_total",
				Help: "Total number of payloads authorized and re-published.",
			},
			[]string{"kind"},
		),

		DroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgw_dropped_payloads_total",
				Help: "Total number of payloads dropped, by reason.",
			},
			[]string{"kind", "reason"},
		),

		TickDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "authgw_tick_duration_seconds",
				Help:    "Histogram of processing tick duration.",
				Buckets: prometheus.DefBuckets,
			},
		),

		ReloadDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "authgw_cache_reload_duration_seconds",
				Help:    "Histogram of bulk cache reload duration.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),

		CacheEntries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "authgw_cache_entries",
				Help: "Number of live entries in the metadata cache.",
			},
			[]string{"kind"},
		),
	}
}

// RecordCacheCounts updates the cache entry gauges.
func (m *Metrics) RecordCacheCounts(sensors, users, keys int) {
	m.CacheEntries.WithLabelValues("sensor").Set(float64(sensors))
	m.CacheEntries.WithLabelValues("user").Set(float64(users))
	m.CacheEntries.WithLabelValues("key").Set(float64(keys))
}
