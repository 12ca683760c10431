package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	exchangeOnce sync.Once
	exchangeReg  *ExchangeMetrics

	schedulerOnce sync.Once
	schedulerReg  *SchedulerMetrics
)

// ExchangeMetrics captures counters and latencies for exchange operations
// (swaps, order creation, cancellation).
type ExchangeMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	errors   *prometheus.CounterVec
}

// Exchange returns the singleton metrics registry for the exchange core.
func Exchange() *ExchangeMetrics {
	exchangeOnce.Do(func() {
		exchangeReg = &ExchangeMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "melodex",
				Subsystem: "exchange",
				Name:      "requests_total",
				Help:      "Count of exchange operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "melodex",
				Subsystem: "exchange",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for exchange operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "melodex",
				Subsystem: "exchange",
				Name:      "errors_total",
				Help:      "Count of exchange failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
		}
		prometheus.MustRegister(
			exchangeReg.requests,
			exchangeReg.latency,
			exchangeReg.errors,
		)
	})
	return exchangeReg
}

// Observe records the execution metrics for one exchange operation.
func (m *ExchangeMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		reason := strings.TrimSpace(err.Error())
		if reason == "" {
			reason = "unknown"
		}
		m.errors.WithLabelValues(op, reason).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// SchedulerMetrics tracks the smart-order trigger loop.
type SchedulerMetrics struct {
	ticks     *prometheus.CounterVec
	evaluated *prometheus.CounterVec
	duration  prometheus.Histogram
}

// Scheduler returns the singleton metrics registry for the trigger scheduler.
func Scheduler() *SchedulerMetrics {
	schedulerOnce.Do(func() {
		schedulerReg = &SchedulerMetrics{
			ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "melodex",
				Subsystem: "scheduler",
				Name:      "ticks_total",
				Help:      "Count of trigger evaluation ticks segmented by outcome.",
			}, []string{"outcome"}),
			evaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "melodex",
				Subsystem: "scheduler",
				Name:      "orders_evaluated_total",
				Help:      "Count of order evaluations segmented by result.",
			}, []string{"result"}),
			duration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "melodex",
				Subsystem: "scheduler",
				Name:      "tick_duration_seconds",
				Help:      "Latency distribution for full scheduler ticks.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			schedulerReg.ticks,
			schedulerReg.evaluated,
			schedulerReg.duration,
		)
	})
	return schedulerReg
}

// ObserveTick records a completed tick and its duration.
func (m *SchedulerMetrics) ObserveTick(duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.ticks.WithLabelValues(outcome).Inc()
	m.duration.Observe(duration.Seconds())
}

// RecordEvaluation tallies one order evaluation result. Results should be
// stable strings such as "triggered", "skipped", "expired", or "failed" so
// dashboards stay consistent.
func (m *SchedulerMetrics) RecordEvaluation(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.evaluated.WithLabelValues(result).Inc()
}
