package api

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// timeNow is a seam for deadline tests.
var timeNow = time.Now

type metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var (
	metricsOnce     *metrics
	requestsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "annostore",
		Name:      "http_requests_total",
		Help:      "HTTP requests served, by method and status.",
	}, []string{"method", "status"})
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "annostore",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"method"})
)

func newMetrics() *metrics {
	if metricsOnce == nil {
		metricsOnce = &metrics{requests: requestsCounter, duration: requestDuration}
	}
	return metricsOnce
}

func (m *metrics) observe(method, path string, status int, elapsed time.Duration) {
	_ = path
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method).Observe(elapsed.Seconds())
}
