// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loopcast_http_request_duration_seconds",
		Help:    "HTTP request latencies in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	httpRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loopcast_http_requests_in_flight",
		Help: "HTTP requests currently being served",
	})

	httpRequestSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loopcast_http_request_size_bytes",
		Help:    "HTTP request sizes in bytes",
		Buckets: prometheus.ExponentialBuckets(100, 10, 8),
	}, []string{"method", "path"})

	httpResponseSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loopcast_http_response_size_bytes",
		Help:    "HTTP response sizes in bytes",
		Buckets: prometheus.ExponentialBuckets(100, 10, 8),
	}, []string{"method", "path", "status"})
)

// IncHTTPInFlight adjusts the in-flight gauge when a request starts.
func IncHTTPInFlight() {
	httpRequestsInFlight.Inc()
}

// DecHTTPInFlight adjusts the in-flight gauge when a request finishes.
func DecHTTPInFlight() {
	httpRequestsInFlight.Dec()
}

// ObserveHTTPRequest records the latency of a served request. The path
// label is the chi route pattern, not the raw URL, to keep cardinality
// bounded.
func ObserveHTTPRequest(method, path, status string, seconds float64) {
	httpRequestDuration.WithLabelValues(method, path, status).Observe(seconds)
}

// ObserveHTTPRequestSize records the body size of an incoming request.
func ObserveHTTPRequestSize(method, path string, bytes float64) {
	httpRequestSize.WithLabelValues(method, path).Observe(bytes)
}

// ObserveHTTPResponseSize records the body size of an outgoing response.
func ObserveHTTPResponseSize(method, path, status string, bytes float64) {
	httpResponseSize.WithLabelValues(method, path, status).Observe(bytes)
}
