// Package metrics exposes Prometheus collectors for the captcha relay.
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
	solverJobsTotal            *prometheus.CounterVec
	solverActiveWorkers        prometheus.Gauge
	solverSolveDurationSeconds *prometheus.HistogramVec
	browserReconnectsTotal     prometheus.Counter
	proxyPoolSize              prometheus.Gauge
	proxyTestsTotal            *prometheus.CounterVec
	proxyOutcomesTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		solverJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "captcha_jobs_total",
				Help: "Total number of jobs reaching a terminal state, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		solverActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "captcha_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		solverSolveDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "captcha_solve_duration_seconds",
				Help:    "Histogram of end-to-end solve durations, labeled by kind.",
				Buckets: []float64{1, 5, 10, 20, 30, 60, 120, 180},
			},
			[]string{"kind"},
		)

		browserReconnectsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "captcha_browser_reconnects_total",
				Help: "Total browser reconnect attempts performed by the session manager.",
			},
		)

		proxyPoolSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "captcha_proxy_pool_size",
				Help: "Number of proxies currently in the visible pool.",
			},
		)

		proxyTestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "captcha_proxy_tests_total",
				Help: "Total proxy candidate tests, labeled by result.",
			},
			[]string{"result"},
		)

		proxyOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "captcha_proxy_outcomes_total",
				Help: "Total per-job proxy outcomes reported by workers, labeled by result.",
			},
			[]string{"result"},
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

// ObserveJob records a terminal job outcome and its duration.
func ObserveJob(kind, status string, duration time.Duration) {
	solverJobsTotal.WithLabelValues(kind, status).Inc()
	solverSolveDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	solverActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	solverActiveWorkers.Dec()
}

// ObserveBrowserReconnect counts one reconnect attempt.
func ObserveBrowserReconnect() {
	browserReconnectsTotal.Inc()
}

// SetProxyPoolSize records the current visible pool size.
func SetProxyPoolSize(n int) {
	proxyPoolSize.Set(float64(n))
}

// ObserveProxyTest counts one candidate test result ("pass" or "fail").
func ObserveProxyTest(result string) {
	proxyTestsTotal.WithLabelValues(result).Inc()
}

// ObserveProxyOutcome counts one reported per-job proxy outcome
// ("success", "failure", or "evicted").
func ObserveProxyOutcome(result string) {
	proxyOutcomesTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
