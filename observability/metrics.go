package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"lendguard/crypto"
)

const namespace = "lendguard"

type httpMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	lendingMetricsOnce sync.Once
	lendingRegistry    *LendingMetrics
)

// HTTP returns the lazily-initialised registry recording lendingd request
// activity.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total lendingd requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total lendingd errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for lendingd handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *httpMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// LendingMetrics tracks risk engine decisions. It implements the engine's
// Observer interface.
type LendingMetrics struct {
	overrides    prometheus.Counter
	liquidations *prometheus.CounterVec
	amounts      *prometheus.CounterVec
	flashLoans   *prometheus.CounterVec
}

// Lending returns the singleton risk engine metrics registry.
func Lending() *LendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = newLendingMetrics()
		prometheus.MustRegister(
			lendingRegistry.overrides,
			lendingRegistry.liquidations,
			lendingRegistry.amounts,
			lendingRegistry.flashLoans,
		)
	})
	return lendingRegistry
}

func newLendingMetrics() *LendingMetrics {
	return &LendingMetrics{
		overrides: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lending",
			Name:      "ltv_override_rejected_total",
			Help:      "Owner LTV override requests rejected outside self-test deployments.",
		}),
		liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lending",
			Name:      "liquidations_total",
			Help:      "Liquidation attempts segmented by outcome.",
		}, []string{"outcome"}),
		amounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lending",
			Name:      "liquidated_amount_total",
			Help:      "Token units repaid and seized by liquidations.",
		}, []string{"side"}),
		flashLoans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lending",
			Name:      "flash_loans_total",
			Help:      "Flash loan events segmented by outcome.",
		}, []string{"outcome"}),
	}
}

// OverrideRejected records an owner override refused by the deployment mode.
func (m *LendingMetrics) OverrideRejected(_, _ crypto.Address, _ uint64) {
	if m == nil {
		return
	}
	m.overrides.Inc()
}

// Liquidation records a liquidation attempt and, when it succeeded, the
// amounts moved.
func (m *LendingMetrics) Liquidation(outcome string, repay, withdraw uint64) {
	if m == nil {
		return
	}
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		outcome = "unknown"
	}
	m.liquidations.WithLabelValues(outcome).Inc()
	if repay > 0 {
		m.amounts.WithLabelValues("repay").Add(float64(repay))
	}
	if withdraw > 0 {
		m.amounts.WithLabelValues("withdraw").Add(float64(withdraw))
	}
}

// FlashLoan records a flash borrow lifecycle event.
func (m *LendingMetrics) FlashLoan(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.flashLoans.WithLabelValues(outcome).Inc()
}
