// Package telemetry provides observability primitives for the Bodhi gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the gateway registers. Unlike
// gandalf's per-provider/per-cache/per-rate-limit label set, bodhi is a
// single-process local gateway: the collectors that remain track the HTTP
// surface itself plus the three pieces of background state an operator
// actually wants on a dashboard -- queue depth, whether a model is
// currently loaded, and in-flight model downloads.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	QueueDepth        prometheus.Gauge
	ModelLoaded       prometheus.Gauge // 0 or 1
	DownloadsInFlight prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bodhi",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "bodhi",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bodhi",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bodhi",
			Name:      "queue_depth",
			Help:      "Number of background tasks pending or in flight.",
		}),

		ModelLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bodhi",
			Name:      "model_loaded",
			Help:      "Whether the supervised model engine is currently loaded (0 or 1).",
		}),

		DownloadsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bodhi",
			Name:      "downloads_in_flight",
			Help:      "Number of model file downloads currently in progress.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.QueueDepth,
		m.ModelLoaded,
		m.DownloadsInFlight,
	)

	return m
}
