package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "domain_engine"

// Metrics stores Prometheus collectors used by API and reconciliation flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	domainStepsTotal    *prometheus.CounterVec
	taskRunsTotal       *prometheus.CounterVec
	taskDuration        *prometheus.HistogramVec
	reconcileInflight   prometheus.Gauge
	certRenewalsTotal   *prometheus.CounterVec
	domainsByState      *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		domainStepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "domain_steps_total",
				Help:      "Connection steps attempted, by step and result.",
			},
			[]string{"step", "result"},
		),
		taskRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_runs_total",
				Help:      "Scheduled task runs by task and result.",
			},
			[]string{"task", "result"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Scheduled task duration in seconds grouped by task.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"task"},
		),
		reconcileInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "reconcile_inflight",
				Help:      "Current number of domains being reconciled.",
			},
		),
		certRenewalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "certificate_renewals_total",
				Help:      "Certificate renewal attempts by result.",
			},
			[]string{"result"},
		),
		domainsByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "domains",
				Help:      "Domain records by state, as of the last status summary.",
			},
			[]string{"state"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.domainStepsTotal,
		m.taskRunsTotal,
		m.taskDuration,
		m.reconcileInflight,
		m.certRenewalsTotal,
		m.domainsByState,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncDomainStep(step string, result string) {
	if m == nil {
		return
	}
	m.domainStepsTotal.WithLabelValues(normalizeLabel(step), normalizeLabel(result)).Inc()
}

func (m *Metrics) ObserveTaskRun(task string, duration time.Duration, err error) {
	if m == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "failure"
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}

	taskLabel := normalizeLabel(task)
	m.taskRunsTotal.WithLabelValues(taskLabel, result).Inc()
	m.taskDuration.WithLabelValues(taskLabel).Observe(seconds)
}

func (m *Metrics) IncReconcileInFlight() {
	if m == nil {
		return
	}
	m.reconcileInflight.Inc()
}

func (m *Metrics) DecReconcileInFlight() {
	if m == nil {
		return
	}
	m.reconcileInflight.Dec()
}

func (m *Metrics) AddCertificateRenewals(renewed, skipped, failed int) {
	if m == nil {
		return
	}
	m.certRenewalsTotal.WithLabelValues("renewed").Add(float64(renewed))
	m.certRenewalsTotal.WithLabelValues("skipped").Add(float64(skipped))
	m.certRenewalsTotal.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) SetDomainCount(state string, count int64) {
	if m == nil {
		return
	}
	m.domainsByState.WithLabelValues(normalizeLabel(state)).Set(float64(count))
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

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
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
