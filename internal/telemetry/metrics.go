// Package telemetry provides observability primitives for the proxy.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	Failovers        *prometheus.CounterVec
	RateLimitMarks   *prometheus.CounterVec
	TokenRefreshes   *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	WriterDrops      *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "requests_total",
			Help:      "Total number of proxied requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "palantir",
			Name:                            "request_duration_seconds",
			Help:                            "End-to-end request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "palantir",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "palantir",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream attempt duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"account"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "upstream_errors_total",
			Help:      "Total upstream non-success responses.",
		}, []string{"status"}),

		Failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "failovers_total",
			Help:      "Total per-attempt failovers by reason.",
		}, []string{"reason"}),

		RateLimitMarks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "ratelimit_marks_total",
			Help:      "Total rate-limit marks applied to accounts.",
		}, []string{"account"}),

		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "token_refreshes_total",
			Help:      "Total OAuth refresh outcomes.",
		}, []string{"outcome"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "tokens_processed_total",
			Help:      "Total model tokens accounted.",
		}, []string{"model", "type"}),

		WriterDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "writer_drops_total",
			Help:      "Total writer queue ops dropped.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.Failovers,
		m.RateLimitMarks,
		m.TokenRefreshes,
		m.TokensProcessed,
		m.WriterDrops,
	)

	return m
}
