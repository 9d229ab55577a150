package observability

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsDomainCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.IncDomainStep("DNS", "success")
	metrics.IncDomainStep("certificate", "failure")
	metrics.ObserveTaskRun("check-pending", 120*time.Millisecond, nil)
	metrics.ObserveTaskRun("check-pending", 80*time.Millisecond, errors.New("db down"))
	metrics.IncReconcileInFlight()
	metrics.DecReconcileInFlight()
	metrics.AddCertificateRenewals(2, 1, 0)
	metrics.SetDomainCount("connected", 7)

	if got := testutil.ToFloat64(metrics.domainStepsTotal.WithLabelValues("dns", "success")); got != 1 {
		t.Fatalf("domain_steps_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.domainStepsTotal.WithLabelValues("certificate", "failure")); got != 1 {
		t.Fatalf("domain_steps_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.taskRunsTotal.WithLabelValues("check-pending", "success")); got != 1 {
		t.Fatalf("task_runs_total success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.taskRunsTotal.WithLabelValues("check-pending", "failure")); got != 1 {
		t.Fatalf("task_runs_total failure = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.reconcileInflight); got != 0 {
		t.Fatalf("reconcile_inflight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.certRenewalsTotal.WithLabelValues("renewed")); got != 2 {
		t.Fatalf("certificate_renewals_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.domainsByState.WithLabelValues("connected")); got != 7 {
		t.Fatalf("domains = %v, want 7", got)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	t.Parallel()

	var metrics *Metrics
	metrics.IncDomainStep("dns", "success")
	metrics.ObserveTaskRun("cleanup", time.Second, nil)
	metrics.AddCertificateRenewals(1, 1, 1)
	metrics.SetDomainCount("total", 1)
	if metrics.Handler() == nil {
		t.Fatal("Handler() should fall back to the default handler")
	}
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	_, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}
