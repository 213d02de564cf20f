// Package metrics exposes Prometheus collectors for the capture service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/product-capture/internal/pool"
)

// Metrics groups the service collectors. It implements pool.Observer and the
// scheduler's cache observer.
type Metrics struct {
	registry *prometheus.Registry

	poolSessions        *prometheus.GaugeVec
	poolAcquireWait     prometheus.Histogram
	poolSessionsRetired *prometheus.CounterVec
	rateLimitDelay      prometheus.Histogram
	cacheLookups        *prometheus.CounterVec
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

// New registers the collectors with reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		poolSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "productcapture_pool_sessions",
			Help: "Browser sessions by state.",
		}, []string{"state"}),
		poolAcquireWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "productcapture_pool_acquire_wait_seconds",
			Help:    "Time callers waited for a browser session.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		poolSessionsRetired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "productcapture_pool_sessions_retired_total",
			Help: "Browser sessions destroyed, by reason.",
		}, []string{"reason"}),
		rateLimitDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "productcapture_rate_limit_delay_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "productcapture_cache_lookups_total",
			Help: "Result cache lookups by fingerprint kind and result.",
		}, []string{"kind", "result"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the registry the collectors live in, so other components
// can register alongside them.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObservePool implements pool.Observer.
func (m *Metrics) ObservePool(stats pool.Stats) {
	m.poolSessions.WithLabelValues("idle").Set(float64(stats.Idle))
	m.poolSessions.WithLabelValues("busy").Set(float64(stats.Busy))
	m.poolSessions.WithLabelValues("creating").Set(float64(stats.Creating))
	m.poolSessions.WithLabelValues("waiting").Set(float64(stats.Waiting))
}

// ObserveAcquireWait implements pool.Observer.
func (m *Metrics) ObserveAcquireWait(d time.Duration) {
	m.poolAcquireWait.Observe(d.Seconds())
}

// ObserveSessionRetired implements pool.Observer.
func (m *Metrics) ObserveSessionRetired(reason string) {
	m.poolSessionsRetired.WithLabelValues(reason).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func (m *Metrics) ObserveRateLimitDelay(d time.Duration) {
	m.rateLimitDelay.Observe(d.Seconds())
}

// ObserveCacheLookup counts a cache hit or miss.
func (m *Metrics) ObserveCacheLookup(kind string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(kind, result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
