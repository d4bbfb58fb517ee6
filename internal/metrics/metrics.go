package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sitecache",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests handled by the offline worker",
		},
		[]string{"source", "method", "code"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sitecache",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests handled by the offline worker",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"source", "method"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sitecache",
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result (hit, miss, fallback)",
		},
		[]string{"result"},
	)

	revalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sitecache",
			Name:      "revalidations_total",
			Help:      "Background stale-while-revalidate refreshes by outcome",
		},
		[]string{"outcome"},
	)

	precacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sitecache",
			Name:      "precache_fetches_total",
			Help:      "Manifest fetches performed during install by outcome",
		},
		[]string{"outcome"},
	)

	partitionsDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sitecache",
			Name:      "partitions_deleted_total",
			Help:      "Response cache partitions deleted by reason",
		},
		[]string{"reason"},
	)

	kvRemovals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sitecache",
			Name:      "kv_removals_total",
			Help:      "Local expiring cache entries removed by reason",
		},
		[]string{"namespace", "reason"},
	)

	originUnhealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sitecache",
			Name:      "origin_unhealthy_endpoints",
			Help:      "Number of unhealthy endpoints per origin pool",
		},
		[]string{"pool"},
	)
)

func Init() {
	prometheus.MustRegister(
		requestTotal,
		requestDuration,
		cacheLookups,
		revalidations,
		precacheResults,
		partitionsDeleted,
		kvRemovals,
		originUnhealthy,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveRequest(source, method, code string, d time.Duration) {
	requestTotal.WithLabelValues(source, method, code).Inc()
	requestDuration.WithLabelValues(source, method).Observe(d.Seconds())
}

func IncCacheLookup(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}

func IncRevalidation(outcome string) {
	revalidations.WithLabelValues(outcome).Inc()
}

func IncPrecache(outcome string) {
	precacheResults.WithLabelValues(outcome).Inc()
}

func AddPartitionsDeleted(reason string, n int) {
	partitionsDeleted.WithLabelValues(reason).Add(float64(n))
}

func SetOriginUnhealthy(pool string, value float64) {
	originUnhealthy.WithLabelValues(pool).Set(value)
}

// KVRecorder reports expiring-cache removals for one namespace.
type KVRecorder struct {
	namespace string
}

func NewKVRecorder(namespace string) KVRecorder {
	return KVRecorder{namespace: namespace}
}

func (r KVRecorder) Expired(n int) {
	if n > 0 {
		kvRemovals.WithLabelValues(r.namespace, "expired").Add(float64(n))
	}
}

func (r KVRecorder) Evicted(n int) {
	if n > 0 {
		kvRemovals.WithLabelValues(r.namespace, "capacity").Add(float64(n))
	}
}
