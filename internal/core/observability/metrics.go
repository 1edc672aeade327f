package observability

import (
	"errors"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	storeOpSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_operation_duration_seconds",
			Help:    "Latency of geometry/override store calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"store", "op", "outcome"},
	)

	lookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merge_lookups_total",
			Help: "Lookups by outcome (found, not_found, degraded, failed).",
		},
		[]string{"outcome"},
	)

	attributeSourceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merge_attribute_source_total",
			Help: "Which store supplied the attributes of a combined record.",
		},
		[]string{"source"},
	)

	upsertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "override_upserts_total",
			Help: "Attribute override upserts by result.",
		},
		[]string{"result"},
	)

	viewportItems = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "viewport_items",
			Help:    "Items per viewport batch, requested vs returned.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"kind"},
	)

	geometryCacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geometry_cache_results_total",
			Help: "Geometry cache results by tier and outcome.",
		},
		[]string{"tier", "outcome"},
	)

	redisOpSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Latency of Redis operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"op", "outcome"},
	)

	overrideEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "override_events_total",
			Help: "Override change events by result (queued, dropped, error).",
		},
		[]string{"result"},
	)

	registerMu sync.Mutex
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, storeOpSeconds,
		lookupsTotal, attributeSourceTotal, upsertsTotal, viewportItems,
		geometryCacheResults, redisOpSeconds, overrideEventsTotal,
	}
}

// Init registers the service collectors on reg. Calling it again with the
// same registry is a no-op.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled {
		return
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	registerMu.Lock()
	defer registerMu.Unlock()
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveStoreOp(store, op string, err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	storeOpSeconds.WithLabelValues(store, op, outcome).Observe(durationSeconds)
}

func IncLookup(outcome string) {
	lookupsTotal.WithLabelValues(outcome).Inc()
}

func IncAttributeSource(source string) {
	attributeSourceTotal.WithLabelValues(source).Inc()
}

func IncUpsert(err error) {
	if err != nil {
		upsertsTotal.WithLabelValues("error").Inc()
		return
	}
	upsertsTotal.WithLabelValues("ok").Inc()
}

func ObserveViewport(requested, returned int) {
	viewportItems.WithLabelValues("requested").Observe(float64(requested))
	viewportItems.WithLabelValues("returned").Observe(float64(returned))
}

func IncGeometryCache(tier, outcome string) {
	geometryCacheResults.WithLabelValues(tier, outcome).Inc()
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	redisOpSeconds.WithLabelValues(op, outcome).Observe(durationSeconds)
}

func IncOverrideEvent(result string) {
	overrideEventsTotal.WithLabelValues(result).Inc()
}
