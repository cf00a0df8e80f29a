package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type apiMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics

	commissionMetricsOnce sync.Once
	commissionRegistry    *CommissiondMetrics
)

// API returns the lazily-initialised registry used to record admin API activity.
func API() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "refwallet",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total admin API requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "refwallet",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total admin API errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "refwallet",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for admin API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "refwallet",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of admin API requests rejected by the rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records the outcome of an API request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *apiMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for route.
func (m *apiMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.throttles.WithLabelValues(route).Inc()
}

// CommissiondMetrics wraps collectors tracking the commission engine.
type CommissiondMetrics struct {
	outcomes     *prometheus.CounterVec
	credits      prometheus.Counter
	distributed  prometheus.Counter
	walkDepth    prometheus.Histogram
	walkStops    *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	anomalies    prometheus.Counter
	duplicates   prometheus.Gauge
	pauseEngaged prometheus.Gauge
}

// Commissiond exposes the metrics registry for commissiond.
func Commissiond() *CommissiondMetrics {
	commissionMetricsOnce.Do(func() {
		commissionRegistry = &CommissiondMetrics{
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "refwallet",
				Subsystem: "commissiond",
				Name:      "operations_total",
				Help:      "Request transitions segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			credits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "refwallet",
				Subsystem: "commissiond",
				Name:      "credits_total",
				Help:      "Count of upline credits committed.",
			}),
			distributed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "refwallet",
				Subsystem: "commissiond",
				Name:      "distributed_amount_total",
				Help:      "Sum of commission credited to uplines in whole currency units.",
			}),
			walkDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "refwallet",
				Subsystem: "commissiond",
				Name:      "walk_depth",
				Help:      "Number of uplines credited per activation.",
				Buckets:   []float64{0, 1, 2, 3, 4, 5, 10, 15, 20},
			}),
			walkStops: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "refwallet",
				Subsystem: "commissiond",
				Name:      "walk_stops_total",
				Help:      "Upline walks segmented by the reason they ended.",
			}, []string{"reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "refwallet",
				Subsystem: "commissiond",
				Name:      "operation_latency_seconds",
				Help:      "Latency distribution for request transitions.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			anomalies: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "refwallet",
				Subsystem: "commissiond",
				Name:      "reconciliation_anomalies_total",
				Help:      "Submissions whose outcome is partial or unknown and needs manual reconciliation.",
			}),
			duplicates: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "refwallet",
				Subsystem: "commissiond",
				Name:      "directory_duplicate_codes",
				Help:      "Duplicate referral codes seen in the most recent account snapshot.",
			}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "refwallet",
				Subsystem: "commissiond",
				Name:      "pause_engaged",
				Help:      "Indicates whether the distributor pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			commissionRegistry.outcomes,
			commissionRegistry.credits,
			commissionRegistry.distributed,
			commissionRegistry.walkDepth,
			commissionRegistry.walkStops,
			commissionRegistry.latency,
			commissionRegistry.anomalies,
			commissionRegistry.duplicates,
			commissionRegistry.pauseEngaged,
		)
	})
	return commissionRegistry
}

// RecordOutcome counts one operation result. Outcomes should be stable strings
// such as "approved", "invalid_state" or "store_unavailable".
func (m *CommissiondMetrics) RecordOutcome(operation, outcome string) {
	if m == nil {
		return
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unspecified"
	}
	m.outcomes.WithLabelValues(operation, outcome).Inc()
}

// RecordDistribution records a committed fan-out.
func (m *CommissiondMetrics) RecordDistribution(credited int, amount int64, stop string) {
	if m == nil {
		return
	}
	m.credits.Add(float64(credited))
	if amount > 0 {
		m.distributed.Add(float64(amount))
	}
	m.walkDepth.Observe(float64(credited))
	if stop != "" {
		m.walkStops.WithLabelValues(stop).Inc()
	}
}

// ObserveLatency records how long an operation took.
func (m *CommissiondMetrics) ObserveLatency(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordAnomaly counts a submission needing reconciliation.
func (m *CommissiondMetrics) RecordAnomaly() {
	if m == nil {
		return
	}
	m.anomalies.Inc()
}

// SetDuplicates reports the duplicate code count of the latest snapshot.
func (m *CommissiondMetrics) SetDuplicates(n int) {
	if m == nil {
		return
	}
	m.duplicates.Set(float64(n))
}

// SetPause toggles the pause_engaged gauge.
func (m *CommissiondMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}
