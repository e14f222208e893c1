package observability

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

func TestMetricsSettlementCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.ObserveJobRun("Deadline-Enforcement", "success", 2*time.Second)
	metrics.ObserveJobRun("deadline-enforcement", "skipped", 0)
	metrics.IncBatchTransition("payment_processing")
	metrics.AddAutoApproved("system:deadline-enforcement", 5)
	metrics.AddAutoApproved("system:admin-force", 0)
	metrics.ObservePayout(true, decimal.RequireFromString("12.50"), 80*time.Millisecond)
	metrics.ObservePayout(false, decimal.RequireFromString("99"), 10*time.Millisecond)
	metrics.IncPayoutsInFlight()
	metrics.DecPayoutsInFlight()

	if got := testutil.ToFloat64(metrics.jobRunsTotal.WithLabelValues("deadline-enforcement", "success")); got != 1 {
		t.Fatalf("job_runs_total{success} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.jobRunsTotal.WithLabelValues("deadline-enforcement", "skipped")); got != 1 {
		t.Fatalf("job_runs_total{skipped} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.batchTransitionsTotal.WithLabelValues("payment_processing")); got != 1 {
		t.Fatalf("billing_batch_transitions_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.autoApprovedTotal.WithLabelValues("system:deadline-enforcement")); got != 5 {
		t.Fatalf("verifications_auto_approved_total = %v, want 5", got)
	}
	if got := testutil.CollectAndCount(metrics.autoApprovedTotal); got != 1 {
		t.Fatalf("auto approved series = %d, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.payoutsTotal.WithLabelValues("paid")); got != 1 {
		t.Fatalf("payouts_total{paid} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.payoutsTotal.WithLabelValues("failed")); got != 1 {
		t.Fatalf("payouts_total{failed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.payoutAmountTotal); got != 12.5 {
		t.Fatalf("payout_amount_total = %v, want 12.5", got)
	}
	if got := testutil.ToFloat64(metrics.payoutsInflight); got != 0 {
		t.Fatalf("payouts_inflight = %v, want 0", got)
	}
}

func TestMetricsNilReceiver(t *testing.T) {
	t.Parallel()

	var metrics *Metrics
	metrics.ObserveJobRun("job", "success", time.Second)
	metrics.IncBatchTransition("completed")
	metrics.AddAutoApproved("system:admin-force", 3)
	metrics.ObservePayout(true, decimal.NewFromInt(1), time.Second)
	metrics.IncPayoutsInFlight()
	metrics.DecPayoutsInFlight()
	if metrics.Handler() == nil {
		t.Fatal("Handler() should fall back to the default handler")
	}
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware(nil))
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
	errBatchMissing := errors.New("batch not found")
	app.Use(metrics.HTTPMiddleware(func(err error) int {
		if errors.Is(err, errBatchMissing) {
			return fiber.StatusNotFound
		}
		return fiber.StatusInternalServerError
	}))
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})
	app.Get("/batches/:id", func(c *fiber.Ctx) error {
		return fmt.Errorf("load %s: %w", c.Params("id"), errBatchMissing)
	})
	app.Get("/teapot", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusTeapot, "no")
	})

	for _, path := range []string{"/boom", "/batches/b1", "/teapot"} {
		if _, err := app.Test(httptest.NewRequest("GET", path, nil)); err != nil {
			t.Fatalf("app.Test(%s) error = %v", path, err)
		}
	}

	testCases := []struct {
		route  string
		status string
	}{
		{route: "/boom", status: "500"},
		{route: "/batches/:id", status: "404"},
		{route: "/teapot", status: "418"},
	}
	for _, tc := range testCases {
		if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", tc.route, tc.status)); got != 1 {
			t.Fatalf("http_requests_total{%s,%s} = %v, want 1", tc.route, tc.status, got)
		}
	}
}
