// Package telemetry provides the Prometheus collectors and OpenTelemetry
// tracing setup for the switchboard daemon.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the daemon.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	UpstreamRetries  *prometheus.CounterVec
	BreakerTrips     *prometheus.CounterVec

	ActiveStreams   prometheus.Gauge
	TokensProcessed *prometheus.CounterVec

	KeyCacheHits   prometheus.Counter
	KeyCacheMisses prometheus.Counter

	RateLimitRejects *prometheus.CounterVec
	TunnelRestarts   prometheus.Counter
	OAuthRefreshes   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "switchboard",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "switchboard",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "switchboard",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "upstream_errors_total",
			Help:      "Total upstream call errors.",
		}, []string{"provider", "status"}),

		UpstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "upstream_retries_total",
			Help:      "Total upstream retry attempts.",
		}, []string{"provider"}),

		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "breaker_trips_total",
			Help:      "Total circuit breaker open transitions.",
		}, []string{"provider"}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "switchboard",
			Name:      "active_streams",
			Help:      "Number of SSE streams currently being relayed.",
		}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		KeyCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "key_cache_hits_total",
			Help:      "Total API key cache hits.",
		}),

		KeyCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "key_cache_misses_total",
			Help:      "Total API key cache misses.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"type"}),

		TunnelRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "tunnel_restarts_total",
			Help:      "Total tunnel helper restarts.",
		}),

		OAuthRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "oauth_refreshes_total",
			Help:      "Total OAuth token refresh attempts.",
		}, []string{"provider", "outcome"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.UpstreamRetries,
		m.BreakerTrips,
		m.ActiveStreams,
		m.TokensProcessed,
		m.KeyCacheHits,
		m.KeyCacheMisses,
		m.RateLimitRejects,
		m.TunnelRestarts,
		m.OAuthRefreshes,
	)

	return m
}
