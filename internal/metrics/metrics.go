// Package metrics exposes Prometheus collectors for the discovery service.
package metrics

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/weppos/publicsuffix-go/publicsuffix"
)

var (
	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discovery_api_requests_total",
			Help: "Read API requests by route, method and status code.",
		},
		[]string{"route", "method", "code"},
	)

	apiRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "discovery_api_request_duration_seconds",
			Help:    "Read API latency by route.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route"},
	)

	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "discovery_active_workers",
			Help: "Number of workers currently executing a target run.",
		},
	)

	queuedTargets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "discovery_scheduler_queued_targets",
			Help: "Targets waiting in the scheduler queue.",
		},
	)

	limiterWaitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "discovery_limiter_waits_total",
			Help: "Times a target was deferred because its rate-limit bucket was empty.",
		},
	)

	rateLimitDelaysSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "discovery_host_rate_limit_delay_seconds",
			Help:    "Histogram of per-host politeness wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)

	pausedTargetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discovery_target_pauses_total",
			Help: "Targets paused by the scheduler, labeled by reason.",
		},
		[]string{"reason"},
	)

	reverificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discovery_reverifications_total",
			Help: "Re-verification passes, labeled by resulting status.",
		},
		[]string{"status"},
	)

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call
// this function multiple times.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			apiRequestsTotal,
			apiRequestDurationSeconds,
			activeWorkers,
			queuedTargets,
			limiterWaitsTotal,
			rateLimitDelaysSeconds,
			pausedTargetsTotal,
			reverificationsTotal,
		)
	})
}

// SanitizeSite reduces a target URL to its registrable domain for the "site"
// label, so grants.example.org and www.example.org share one series. IPs and
// single-label hosts are kept as is; unparsable input maps to "unknown".
func SanitizeSite(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	host := strings.ToLower(u.Hostname())
	if net.ParseIP(host) != nil {
		return host
	}
	if domain, err := publicsuffix.Domain(host); err == nil && domain != "" {
		return domain
	}
	return host
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAPIRequest records one served API request.
func ObserveAPIRequest(route, method string, code int, took time.Duration) {
	apiRequestsTotal.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	apiRequestDurationSeconds.WithLabelValues(route).Observe(took.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// SetQueuedTargets reports the scheduler queue length.
func SetQueuedTargets(n int) {
	queuedTargets.Set(float64(n))
}

// ObserveLimiterWait counts a deferral by the per-target limiter.
func ObserveLimiterWait() {
	limiterWaitsTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a host politeness wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveTargetPaused counts an automatic pause.
func ObserveTargetPaused(reason string) {
	pausedTargetsTotal.WithLabelValues(reason).Inc()
}

// ObserveReverification counts one re-verification pass.
func ObserveReverification(status string) {
	reverificationsTotal.WithLabelValues(status).Inc()
}
