// Package telemetry exposes Prometheus collectors for the intake service.
package telemetry

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
	intakeJobsTotal            *prometheus.CounterVec
	intakeQueueDepth           prometheus.Gauge
	intakeRunningJobs          prometheus.Gauge
	intakeBreakerState         prometheus.Gauge
	intakeDedupHitsTotal       prometheus.Counter
	intakeWebhookTotal         *prometheus.CounterVec
	intakeRejectionsTotal      *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		intakeJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intake_jobs_total",
				Help: "Total number of processing jobs, labeled by terminal status.",
			},
			[]string{"status"},
		)

		intakeQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "intake_queue_depth",
				Help: "Number of jobs waiting in the admission queue.",
			},
		)

		intakeRunningJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "intake_running_jobs",
				Help: "Number of jobs currently being processed.",
			},
		)

		intakeBreakerState = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "intake_breaker_state",
				Help: "Circuit breaker state: 0 closed, 1 half open, 2 open.",
			},
		)

		intakeDedupHitsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "intake_dedup_hits_total",
				Help: "Total submissions answered from the dedup cache.",
			},
		)

		intakeWebhookTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intake_webhook_deliveries_total",
				Help: "Total webhook delivery attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		intakeRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intake_rejections_total",
				Help: "Total rejected submissions, labeled by reason.",
			},
			[]string{"reason"},
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
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(status string) {
	intakeJobsTotal.WithLabelValues(status).Inc()
}

// SetQueueDepth records the current admission queue depth.
func SetQueueDepth(depth int) {
	intakeQueueDepth.Set(float64(depth))
}

// IncRunningJobs increments the running jobs gauge.
func IncRunningJobs() {
	intakeRunningJobs.Inc()
}

// DecRunningJobs decrements the running jobs gauge.
func DecRunningJobs() {
	intakeRunningJobs.Dec()
}

// SetBreakerState records the breaker state as a numeric gauge.
func SetBreakerState(state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	intakeBreakerState.Set(v)
}

// ObserveDedupHit counts a submission served from the dedup cache.
func ObserveDedupHit() {
	intakeDedupHitsTotal.Inc()
}

// ObserveWebhook counts a webhook delivery attempt.
func ObserveWebhook(delivered bool) {
	outcome := "failed"
	if delivered {
		outcome = "delivered"
	}
	intakeWebhookTotal.WithLabelValues(outcome).Inc()
}

// ObserveRejection counts a rejected submission.
func ObserveRejection(reason string) {
	intakeRejectionsTotal.WithLabelValues(reason).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
