package observability

import (
	"fmt"
	"math"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type requestMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	requestMetricsOnce sync.Once
	requestRegistry    *requestMetrics

	splitterMetricsOnce sync.Once
	splitterRegistry    *SplitterMetrics
)

// RequestMetrics returns the lazily-initialised registry used to record
// JSON-RPC request activity.
func RequestMetrics() *requestMetrics {
	requestMetricsOnce.Do(func() {
		requestRegistry = &requestMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "revsplit",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "revsplit",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and status code.",
			}, []string{"method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "revsplit",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "revsplit",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			requestRegistry.requests,
			requestRegistry.errors,
			requestRegistry.latency,
			requestRegistry.throttles,
		)
	})
	return requestRegistry
}

// Observe records the outcome of an RPC request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *requestMetrics) Observe(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied reason.
// Reasons should be stable strings such as "rate_limit" so dashboards and
// alerts remain consistent.
func (m *requestMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// SplitterMetrics wraps collectors tracking the health of the revenue ledger.
type SplitterMetrics struct {
	deposits        prometheus.Counter
	payouts         prometheus.Counter
	withdrawLatency prometheus.Histogram
	poolBalance     prometheus.Gauge
	totalReleased   prometheus.Gauge
	capRemaining    prometheus.Gauge
	capUtilization  prometheus.Gauge
	pauseEngaged    *prometheus.GaugeVec
	errors          *prometheus.CounterVec
}

// Splitter exposes the metrics registry for the splitter engine.
func Splitter() *SplitterMetrics {
	splitterMetricsOnce.Do(func() {
		splitterRegistry = &SplitterMetrics{
			deposits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "revsplit",
				Subsystem: "splitter",
				Name:      "deposits_total",
				Help:      "Count of revenue deposits accepted into the pool.",
			}),
			payouts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "revsplit",
				Subsystem: "splitter",
				Name:      "payouts_total",
				Help:      "Count of settled participant withdrawals.",
			}),
			withdrawLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "revsplit",
				Subsystem: "splitter",
				Name:      "withdraw_duration_seconds",
				Help:      "End-to-end latency for withdrawal settlement.",
				Buckets:   prometheus.DefBuckets,
			}),
			poolBalance: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "revsplit",
				Subsystem: "splitter",
				Name:      "pool_balance",
				Help:      "Revenue currently held in the pool awaiting withdrawal.",
			}),
			totalReleased: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "revsplit",
				Subsystem: "splitter",
				Name:      "total_released",
				Help:      "Cumulative revenue released to participants.",
			}),
			capRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "revsplit",
				Subsystem: "splitter",
				Name:      "cap_remaining",
				Help:      "Headroom left under the repayment cap.",
			}),
			capUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "revsplit",
				Subsystem: "splitter",
				Name:      "cap_utilization",
				Help:      "Fraction of the repayment cap consumed so far.",
			}),
			pauseEngaged: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "revsplit",
				Subsystem: "splitter",
				Name:      "pause_engaged",
				Help:      "Whether the named operation switchboard is paused (1) or live (0).",
			}, []string{"module"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "revsplit",
				Subsystem: "splitter",
				Name:      "errors_total",
				Help:      "Count of rejected ledger operations segmented by operation and reason.",
			}, []string{"op", "reason"}),
		}
		prometheus.MustRegister(
			splitterRegistry.deposits,
			splitterRegistry.payouts,
			splitterRegistry.withdrawLatency,
			splitterRegistry.poolBalance,
			splitterRegistry.totalReleased,
			splitterRegistry.capRemaining,
			splitterRegistry.capUtilization,
			splitterRegistry.pauseEngaged,
			splitterRegistry.errors,
		)
	})
	return splitterRegistry
}

// RecordDeposit increments the deposit counter.
func (m *SplitterMetrics) RecordDeposit() {
	if m == nil {
		return
	}
	m.deposits.Inc()
}

// ObserveWithdraw records a settled withdrawal and its latency.
func (m *SplitterMetrics) ObserveWithdraw(d time.Duration) {
	if m == nil {
		return
	}
	m.payouts.Inc()
	m.withdrawLatency.Observe(d.Seconds())
}

// RecordLedger refreshes the balance and cap gauges from a ledger snapshot.
func (m *SplitterMetrics) RecordLedger(pool, released, remaining, cap *big.Int) {
	if m == nil {
		return
	}
	m.poolBalance.Set(bigToFloat(pool))
	m.totalReleased.Set(bigToFloat(released))
	remainingVal := bigToFloat(remaining)
	m.capRemaining.Set(remainingVal)
	capVal := bigToFloat(cap)
	utilisation := 0.0
	if capVal > 0 {
		used := capVal - remainingVal
		if used < 0 {
			used = 0
		}
		utilisation = used / capVal
		if utilisation > 1 {
			utilisation = 1
		}
	}
	m.capUtilization.Set(utilisation)
}

// RecordError increments the error counter for the supplied operation and reason.
func (m *SplitterMetrics) RecordError(op, reason string) {
	if m == nil {
		return
	}
	if op = strings.TrimSpace(op); op == "" {
		op = "unknown"
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.errors.WithLabelValues(op, reason).Inc()
}

// SetPause toggles the pause_engaged gauge for the named switchboard module.
func (m *SplitterMetrics) SetPause(module string, engaged bool) {
	if m == nil {
		return
	}
	if module = strings.TrimSpace(module); module == "" {
		module = "unknown"
	}
	if engaged {
		m.pauseEngaged.WithLabelValues(module).Set(1)
		return
	}
	m.pauseEngaged.WithLabelValues(module).Set(0)
}

// MetricsHandler returns the HTTP handler serving the process-wide Prometheus
// registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
