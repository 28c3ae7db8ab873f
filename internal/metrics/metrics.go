// Package metrics exposes Prometheus collectors for the orchestrator service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	upstreamRequestsTotal      *prometheus.CounterVec
	upstreamRequestDuration    *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	keyPoolSize                *prometheus.GaugeVec
	archiveObjectsTotal        *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; the observers call it
// lazily so packages can record metrics without explicit setup.
func Init() {
	once.Do(func() {
		upstreamRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagine_upstream_requests_total",
				Help: "Total upstream API calls, labeled by endpoint and status code.",
			},
			[]string{"endpoint", "code"},
		)

		upstreamRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imagine_upstream_request_duration_seconds",
				Help:    "Histogram of upstream API latencies, labeled by endpoint.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"endpoint"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		keyPoolSize = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "imagine_key_pool_size",
				Help: "Credentials in the rotation pool, labeled by state.",
			},
			[]string{"state"},
		)

		archiveObjectsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagine_archive_objects_total",
				Help: "Media objects processed by the archiver, labeled by result.",
			},
			[]string{"result"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imagine_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"scope"},
		)
	})
}

// SanitizeEndpoint reduces an upstream URL or path to a low-cardinality
// label: the path with opaque trailing identifiers replaced by ":id".
func SanitizeEndpoint(raw string) string {
	path := raw
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "unknown"
		}
		path = u.Path
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return "unknown"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if i >= 2 && !knownSegment(part) {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func knownSegment(part string) bool {
	switch part {
	case "generations", "edits", "models":
		return true
	}
	return false
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveUpstream records one upstream call. Status 0 marks a transport failure.
func ObserveUpstream(endpoint string, code int, duration time.Duration) {
	Init()
	label := SanitizeEndpoint(endpoint)
	upstreamRequestsTotal.WithLabelValues(label, strconv.Itoa(code)).Inc()
	upstreamRequestDuration.WithLabelValues(label).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetKeyPool publishes the pool size.
func SetKeyPool(total, enabled int) {
	Init()
	keyPoolSize.WithLabelValues("total").Set(float64(total))
	keyPoolSize.WithLabelValues("enabled").Set(float64(enabled))
}

// ObserveArchive increments the archive counter for the given result.
func ObserveArchive(result string) {
	Init()
	archiveObjectsTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(scope string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(scope).Observe(duration.Seconds())
}
