// Package metrics exposes Prometheus collectors for the doorplate crawler.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	portalRequestsTotal          *prometheus.CounterVec
	portalRequestDurationSeconds *prometheus.HistogramVec
	challengeAttemptsTotal       *prometheus.CounterVec
	partitionsTotal              *prometheus.CounterVec
	recordsTotal                 *prometheus.CounterVec
	activePartitions             prometheus.Gauge
	batchDurationSeconds         prometheus.Histogram
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec
	rateLimitDelaySeconds        prometheus.Histogram
	sinkErrorsTotal              *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		portalRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorplate_portal_requests_total",
				Help: "Total number of portal requests, labeled by protocol step and status code.",
			},
			[]string{"step", "code"},
		)

		portalRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "doorplate_portal_request_duration_seconds",
				Help:    "Histogram of portal request latencies, labeled by protocol step.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"step"},
		)

		challengeAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorplate_challenge_attempts_total",
				Help: "Total number of captcha attempts, labeled by result.",
			},
			[]string{"result"},
		)

		partitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorplate_partitions_total",
				Help: "Total number of partitions processed, labeled by final status.",
			},
			[]string{"status"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorplate_records_total",
				Help: "Total number of records retrieved, labeled by partition.",
			},
			[]string{"partition"},
		)

		activePartitions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "doorplate_active_partitions",
				Help: "Number of partitions currently being queried.",
			},
		)

		batchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "doorplate_batch_duration_seconds",
				Help:    "Histogram of batch run durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
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

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "doorplate_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations before portal requests.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		sinkErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorplate_sink_errors_total",
				Help: "Total number of failed sink calls, labeled by operation.",
			},
			[]string{"op"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePortalRequest records one portal exchange. A zero code means the request never completed.
func ObservePortalRequest(step string, code int, duration time.Duration) {
	Init()
	label := strconv.Itoa(code)
	if code == 0 {
		label = "error"
	}
	portalRequestsTotal.WithLabelValues(step, label).Inc()
	portalRequestDurationSeconds.WithLabelValues(step).Observe(duration.Seconds())
}

// ObserveChallenge counts one captcha attempt by result.
func ObserveChallenge(result string) {
	Init()
	challengeAttemptsTotal.WithLabelValues(result).Inc()
}

// ObservePartition counts a finished partition and the records it produced.
func ObservePartition(partition, status string, records int) {
	Init()
	partitionsTotal.WithLabelValues(status).Inc()
	if records > 0 {
		recordsTotal.WithLabelValues(partition).Add(float64(records))
	}
}

// ObserveBatch records the duration of a finished batch.
func ObserveBatch(duration time.Duration) {
	Init()
	batchDurationSeconds.Observe(duration.Seconds())
}

// IncActivePartitions increments the active partitions gauge.
func IncActivePartitions() {
	Init()
	activePartitions.Inc()
}

// DecActivePartitions decrements the active partitions gauge.
func DecActivePartitions() {
	Init()
	activePartitions.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveSinkError counts a failed sink call.
func ObserveSinkError(op string) {
	Init()
	sinkErrorsTotal.WithLabelValues(op).Inc()
}
