package observability

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const metricsNamespace = "settlement_engine"

// Metrics stores Prometheus collectors used by the admin API, the scheduler
// and the settlement jobs. All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	jobRunsTotal          *prometheus.CounterVec
	jobDuration           *prometheus.HistogramVec
	batchTransitionsTotal *prometheus.CounterVec
	autoApprovedTotal     *prometheus.CounterVec
	payoutsTotal          *prometheus.CounterVec
	payoutDuration        prometheus.Histogram
	payoutAmountTotal     prometheus.Counter
	payoutsInflight       prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		jobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "job_runs_total",
				Help:      "Scheduled job runs by job name and result (success, error, skipped).",
			},
			[]string{"job", "result"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "job_duration_seconds",
				Help:      "Scheduled job run duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"job"},
		),
		batchTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "billing_batch_transitions_total",
				Help:      "Billing batch status transitions by target status.",
			},
			[]string{"status"},
		),
		autoApprovedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "verifications_auto_approved_total",
				Help:      "Verifications auto-approved at deadline, by reviewer marker.",
			},
			[]string{"reviewer"},
		),
		payoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "payouts_total",
				Help:      "Customer payouts submitted to the gateway by result.",
			},
			[]string{"result"},
		),
		payoutDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "payout_duration_seconds",
				Help:      "Gateway payout call duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		payoutAmountTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "payout_amount_total",
				Help:      "Sum of successfully paid customer amounts.",
			},
		),
		payoutsInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "payouts_inflight",
				Help:      "Current number of in-flight gateway payout calls.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.jobRunsTotal,
		m.jobDuration,
		m.batchTransitionsTotal,
		m.autoApprovedTotal,
		m.payoutsTotal,
		m.payoutDuration,
		m.payoutAmountTotal,
		m.payoutsInflight,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware records request counts and latency. errorStatus maps a
// handler error to the status the error handler will write; nil falls back
// to *fiber.Error codes and 500.
func (m *Metrics) HTTPMiddleware(errorStatus func(error) int) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err, errorStatus), time.Since(start))
		return err
	}
}

// ObserveJobRun records one finished run. result is success, error or
// skipped.
func (m *Metrics) ObserveJobRun(job string, result string, duration time.Duration) {
	if m == nil {
		return
	}
	jobLabel := normalizeLabel(job)
	m.jobRunsTotal.WithLabelValues(jobLabel, normalizeLabel(result)).Inc()
	m.jobDuration.WithLabelValues(jobLabel).Observe(max(duration.Seconds(), 0))
}

func (m *Metrics) IncBatchTransition(status string) {
	if m == nil {
		return
	}
	m.batchTransitionsTotal.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *Metrics) AddAutoApproved(reviewer string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.autoApprovedTotal.WithLabelValues(normalizeLabel(reviewer)).Add(float64(n))
}

func (m *Metrics) ObservePayout(success bool, amount decimal.Decimal, duration time.Duration) {
	if m == nil {
		return
	}
	result := "failed"
	if success {
		result = "paid"
		value, _ := amount.Float64()
		m.payoutAmountTotal.Add(max(value, 0))
	}
	m.payoutsTotal.WithLabelValues(result).Inc()
	m.payoutDuration.Observe(max(duration.Seconds(), 0))
}

func (m *Metrics) IncPayoutsInFlight() {
	if m == nil {
		return
	}
	m.payoutsInflight.Inc()
}

func (m *Metrics) DecPayoutsInFlight() {
	if m == nil {
		return
	}
	m.payoutsInflight.Dec()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error, errorStatus func(error) int) int {
	if err != nil {
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return fiberErr.Code
		}
		if errorStatus != nil {
			return errorStatus(err)
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
