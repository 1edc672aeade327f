package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
)

// runnerMetrics tracks geometry change events and the spatial ids they
// evict. Per-id counters carry the event op so insert/update/delete churn
// can be told apart.
type runnerMetrics struct {
	events     *prometheus.CounterVec
	spatialIDs *prometheus.CounterVec
	fanout     prometheus.Histogram
	handle     *prometheus.HistogramVec
	lag        prometheus.Gauge
}

func newRunnerMetrics(r prometheus.Registerer) *runnerMetrics {
	m := &runnerMetrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geometry_invalidation_msgs_total",
				Help: "Geometry change messages by result (ok, invalid, error).",
			},
			[]string{"result"},
		),
		spatialIDs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geometry_invalidation_apply_total",
				Help: "Spatial ids per event op, evicted or skipped as stale versions.",
			},
			[]string{"op", "action"},
		),
		fanout: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "geometry_invalidation_event_spatial_ids",
				Help:    "Spatial ids carried by one valid geometry change event.",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
		// eviction is a local remove plus one Redis DEL, so sub-ms to ~1s
		handle: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geometry_invalidation_processing_seconds",
				Help:    "Time to apply one geometry change event, by op.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"op"},
		),
		lag: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "geometry_invalidation_lag_seconds",
				Help: "Approximate lag: now - message.timestamp.",
			},
		),
	}
	if r != nil {
		r.MustRegister(m.events, m.spatialIDs, m.fanout, m.handle, m.lag)
	}
	return m
}

func (m *runnerMetrics) evicted(op string, n int) {
	m.spatialIDs.WithLabelValues(op, "evict").Add(float64(n))
}

func (m *runnerMetrics) skippedStale(op string, n int) {
	m.spatialIDs.WithLabelValues(op, "skip_version").Add(float64(n))
}
