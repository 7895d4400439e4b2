// Package metrics exposes Prometheus collectors for the link checker.
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
	workload                     prometheus.Gauge
	discovered                   prometheus.Counter
	poolInstances                prometheus.Gauge
	poolResizesTotal             *prometheus.CounterVec
	verificationsTotal           *prometheus.CounterVec
	verificationDurationSeconds  *prometheus.HistogramVec
	stageItemsTotal              *prometheus.CounterVec
	rateLimitDelaysSeconds       *prometheus.HistogramVec
	renderDurationSeconds        prometheus.Histogram
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec
	hardwarePressureSignalsTotal *prometheus.CounterVec
	reportRecordsWrittenTotal    *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		workload = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "linkcheck_workload",
			Help: "Resources admitted but not yet completed.",
		})

		discovered = promauto.NewCounter(prometheus.CounterOpts{
			Name: "linkcheck_discovered_total",
			Help: "Distinct resources admitted into the pipeline.",
		})

		poolInstances = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "linkcheck_pool_instances",
			Help: "Renderer instances currently created by the pool.",
		})

		poolResizesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkcheck_pool_resizes_total",
				Help: "Pool grow and shrink operations, labeled by direction.",
			},
			[]string{"direction"},
		)

		verificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkcheck_verifications_total",
				Help: "Verified resources, labeled by scope and status class.",
			},
			[]string{"scope", "status_class"},
		)

		verificationDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "linkcheck_verification_duration_seconds",
				Help:    "Histogram of verification latencies, labeled by status class.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"status_class"},
		)

		stageItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkcheck_stage_items_total",
				Help: "Items handled by pipeline stages, labeled by stage and result.",
			},
			[]string{"stage", "result"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "linkcheck_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		renderDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "linkcheck_render_duration_seconds",
			Help:    "Histogram of page load times measured by the renderer.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		})

		hardwarePressureSignalsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkcheck_hardware_pressure_signals_total",
				Help: "Pressure signals emitted by the hardware monitor, labeled by level.",
			},
			[]string{"level"},
		)

		reportRecordsWrittenTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkcheck_report_records_total",
				Help: "Verification records flushed to the report writer, labeled by writer.",
			},
			[]string{"writer"},
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// SetWorkload records the coordinator's workload counter.
func SetWorkload(n int64) {
	Init()
	workload.Set(float64(n))
}

// IncDiscovered counts one admitted resource.
func IncDiscovered() {
	Init()
	discovered.Inc()
}

// SetPoolInstances records how many renderer instances the pool owns.
func SetPoolInstances(n int) {
	Init()
	poolInstances.Set(float64(n))
}

// ObservePoolResize counts a grow ("grow") or shrink ("shrink") operation.
func ObservePoolResize(direction string) {
	Init()
	poolResizesTotal.WithLabelValues(direction).Inc()
}

// ObserveVerification records one verified resource.
func ObserveVerification(internal bool, statusClass string, duration time.Duration) {
	Init()
	scope := "external"
	if internal {
		scope = "internal"
	}
	verificationsTotal.WithLabelValues(scope, statusClass).Inc()
	verificationDurationSeconds.WithLabelValues(statusClass).Observe(duration.Seconds())
}

// ObserveStageItem counts an item leaving a pipeline stage.
func ObserveStageItem(stage, result string) {
	Init()
	stageItemsTotal.WithLabelValues(stage, result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveRender records a page load time.
func ObserveRender(duration time.Duration) {
	Init()
	renderDurationSeconds.Observe(duration.Seconds())
}

// ObservePressure counts a hardware pressure signal.
func ObservePressure(level string) {
	Init()
	hardwarePressureSignalsTotal.WithLabelValues(level).Inc()
}

// ObserveReportRecords counts records flushed by a report writer.
func ObserveReportRecords(writer string, n int) {
	Init()
	reportRecordsWrittenTotal.WithLabelValues(writer).Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
