package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/settlement-engine/internal/domain"
	"github.com/kursadbilgin/settlement-engine/internal/queue"
	"go.uber.org/zap"
)

var enforcementNow = time.Date(2025, time.April, 10, 12, 0, 0, 0, time.UTC)

func newTestEnforcementJob(t *testing.T, store *memStore, publisher queue.Publisher, maxHighFraud int) *DeadlineEnforcementJob {
	t.Helper()

	creator := newTestBatchProcessor(t, store, publisher, enforcementNow)
	job, err := NewDeadlineEnforcementJob(store.batchRepo(), store.verificationRepo(), creator, publisher, maxHighFraud, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDeadlineEnforcementJob() error = %v", err)
	}
	job.now = fixedClock(enforcementNow)
	return job
}

// seedReviewBatch adds a review_period batch with the given number of
// pending verifications plus one already approved.
func seedReviewBatch(store *memStore, batchID string, deadline time.Time, pending int) {
	store.addBatch(domain.BillingBatch{
		ID:             batchID,
		BusinessID:     "biz-" + batchID,
		BillingMonth:   march2025.Start(),
		Status:         domain.BatchStatusReviewPeriod,
		ReviewDeadline: &deadline,
	})

	approved := testVerification(batchID+"-approved", "biz-"+batchID, time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC), domain.ReviewStatusApproved, "10.00")
	approved.BillingBatchID = strPtr(batchID)
	store.addVerification(approved)

	for i := 0; i < pending; i++ {
		v := testVerification(fmt.Sprintf("%s-pending-%d", batchID, i), "biz-"+batchID,
			time.Date(2025, 3, 5+i, 9, 0, 0, 0, time.UTC), domain.ReviewStatusPending, "10.00")
		v.BillingBatchID = strPtr(batchID)
		store.addVerification(v)
	}
}

func pendingIDs(batchID string, n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, fmt.Sprintf("%s-pending-%d", batchID, i))
	}
	return ids
}

func TestDeadlineEnforcementResolvesAllPending(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	seedReviewBatch(store, "b1", enforcementNow.Add(-time.Hour), 5)
	publisher := &fakePublisher{}
	job := newTestEnforcementJob(t, store, publisher, 0)

	summary, err := job.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if summary.BatchesProcessed != 1 || summary.TotalAutoApproved != 5 {
		t.Fatalf("summary = %d batches / %d approved, want 1 / 5", summary.BatchesProcessed, summary.TotalAutoApproved)
	}
	applied, ok := summary.Results[0].(EnforcementApplied)
	if !ok || applied.ID != "b1" || applied.AutoApproved != 5 {
		t.Fatalf("result = %#v, want EnforcementApplied{b1, 5}", summary.Results[0])
	}

	pending, _ := store.verificationRepo().CountPending(context.Background(), "b1")
	if pending != 0 {
		t.Fatalf("pending after enforcement = %d, want 0", pending)
	}
	for _, id := range pendingIDs("b1", 5) {
		v := store.verification(id)
		if v.ReviewStatus != domain.ReviewStatusAutoApproved {
			t.Fatalf("%s status = %s, want auto_approved", id, v.ReviewStatus)
		}
		if v.ReviewedAt == nil || !v.ReviewedAt.Equal(enforcementNow) {
			t.Fatalf("%s reviewedAt = %v, want %s", id, v.ReviewedAt, enforcementNow)
		}
		if v.ReviewedBy == nil || *v.ReviewedBy != domain.ReviewerDeadlineSweep {
			t.Fatalf("%s reviewedBy = %v", id, v.ReviewedBy)
		}
	}

	batch := store.batch("b1")
	if batch.Status != domain.BatchStatusPaymentProcessing || !batch.StoreInvoiceGenerated {
		t.Fatalf("batch = %s invoice=%v, want payment_processing invoice=true", batch.Status, batch.StoreInvoiceGenerated)
	}
	if batch.ApprovedVerifications != 6 || !batch.TotalCustomerPayments.Equal(*money("60.00")) {
		t.Fatalf("batch approved = %d payments = %s, want 6 / 60.00", batch.ApprovedVerifications, batch.TotalCustomerPayments)
	}

	events := publisher.published(queue.EventBatchPaymentProcessing)
	if len(events) != 1 || events[0].AutoApproved != 5 || events[0].ReviewedBy != domain.ReviewerDeadlineSweep {
		t.Fatalf("events = %+v", events)
	}
}

func TestDeadlineEnforcementIgnoresFutureDeadlines(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	seedReviewBatch(store, "b-future", enforcementNow.Add(time.Hour), 2)
	job := newTestEnforcementJob(t, store, nil, 0)

	summary, err := job.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(summary.Results) != 0 {
		t.Fatalf("results = %d, want 0", len(summary.Results))
	}
	if got := store.batch("b-future").Status; got != domain.BatchStatusReviewPeriod {
		t.Fatalf("status = %s, want review_period", got)
	}
}

func TestDeadlineEnforcementContinuesPastFailedBatch(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	seedReviewBatch(store, "b1", enforcementNow.Add(-2*time.Hour), 1)
	seedReviewBatch(store, "b2", enforcementNow.Add(-2*time.Hour), 2)
	seedReviewBatch(store, "b3", enforcementNow.Add(-2*time.Hour), 3)
	store.enforceErr["b2"] = errors.New("deadlock detected")
	job := newTestEnforcementJob(t, store, nil, 0)

	summary, err := job.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if summary.BatchesProcessed != 2 || summary.TotalAutoApproved != 4 {
		t.Fatalf("summary = %d / %d, want 2 / 4", summary.BatchesProcessed, summary.TotalAutoApproved)
	}

	failed := summary.Failed()
	if len(failed) != 1 || failed[0].ID != "b2" || failed[0].Reason != "deadlock detected" {
		t.Fatalf("failed = %+v, want b2", failed)
	}
	if got := store.batch("b2").Status; got != domain.BatchStatusReviewPeriod {
		t.Fatalf("failed batch status = %s, want review_period", got)
	}
	if got := store.batch("b3").Status; got != domain.BatchStatusPaymentProcessing {
		t.Fatalf("b3 status = %s, want payment_processing", got)
	}
}

func TestDeadlineEnforcementRunReportsOnlyListingFailure(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	seedReviewBatch(store, "b1", enforcementNow.Add(-time.Hour), 1)
	store.enforceErr["b1"] = errors.New("boom")
	job := newTestEnforcementJob(t, store, nil, 0)

	if job.Name() != JobDeadlineEnforcement {
		t.Fatalf("Name() = %s", job.Name())
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v, want nil for per-batch failure", err)
	}
}

func TestForceDeadline(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	seedReviewBatch(store, "b1", enforcementNow.Add(72*time.Hour), 4)
	job := newTestEnforcementJob(t, store, nil, 0)

	result, err := job.ForceDeadline(context.Background(), "b1")
	if err != nil {
		t.Fatalf("ForceDeadline() error = %v", err)
	}
	if result.AutoApproved != 4 || result.Status != domain.BatchStatusPaymentProcessing {
		t.Fatalf("result = %+v", result)
	}
	for _, id := range pendingIDs("b1", 4) {
		v := store.verification(id)
		if v.ReviewedBy == nil || *v.ReviewedBy != domain.ReviewerAdminForce {
			t.Fatalf("%s reviewedBy = %v, want %s", id, v.ReviewedBy, domain.ReviewerAdminForce)
		}
	}

	_, err = job.ForceDeadline(context.Background(), "b1")
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("second ForceDeadline() error = %v, want ErrInvalidState", err)
	}
}

func TestForceDeadlineErrors(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.addBatch(domain.BillingBatch{ID: "b-collecting", BusinessID: "biz", BillingMonth: march2025.Start(), Status: domain.BatchStatusCollecting})
	job := newTestEnforcementJob(t, store, nil, 0)

	tests := []struct {
		name    string
		batchID string
		wantErr error
	}{
		{name: "empty id", batchID: " ", wantErr: domain.ErrValidation},
		{name: "unknown batch", batchID: "missing", wantErr: domain.ErrBatchNotFound},
		{name: "not in review", batchID: "b-collecting", wantErr: domain.ErrInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := job.ForceDeadline(context.Background(), tt.batchID)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ForceDeadline() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if got := store.batch("b-collecting").Status; got != domain.BatchStatusCollecting {
		t.Fatalf("status = %s, want collecting", got)
	}
}

func TestForceDeadlinePolicyGate(t *testing.T) {
	t.Parallel()

	newStore := func() *memStore {
		store := newMemStore()
		seedReviewBatch(store, "b1", enforcementNow.Add(24*time.Hour), 0)
		for i, score := range []float64{0.7, 0.95, 0.2} {
			v := testVerification(fmt.Sprintf("risky-%d", i), "biz-b1", time.Date(2025, 3, 20, 9, 0, 0, 0, time.UTC), domain.ReviewStatusPending, "10.00")
			v.BillingBatchID = strPtr("b1")
			v.FraudScore = floatPtr(score)
			store.addVerification(v)
		}
		return store
	}

	t.Run("blocked above limit", func(t *testing.T) {
		store := newStore()
		job := newTestEnforcementJob(t, store, nil, 1)

		_, err := job.ForceDeadline(context.Background(), "b1")
		if !errors.Is(err, domain.ErrPolicyBlocked) || !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("ForceDeadline() error = %v, want ErrPolicyBlocked", err)
		}
		if got := store.batch("b1").Status; got != domain.BatchStatusReviewPeriod {
			t.Fatalf("status = %s, want review_period", got)
		}
	})

	t.Run("allowed at limit", func(t *testing.T) {
		store := newStore()
		job := newTestEnforcementJob(t, store, nil, 2)

		result, err := job.ForceDeadline(context.Background(), "b1")
		if err != nil {
			t.Fatalf("ForceDeadline() error = %v", err)
		}
		if result.AutoApproved != 3 {
			t.Fatalf("auto approved = %d, want 3", result.AutoApproved)
		}
	})

	t.Run("disabled by default", func(t *testing.T) {
		store := newStore()
		job := newTestEnforcementJob(t, store, nil, 0)

		if _, err := job.ForceDeadline(context.Background(), "b1"); err != nil {
			t.Fatalf("ForceDeadline() error = %v", err)
		}
	})
}

func TestForceDeadlineRacesScheduledSweep(t *testing.T) {
	t.Parallel()

	for attempt := 0; attempt < 20; attempt++ {
		store := newMemStore()
		seedReviewBatch(store, "b1", enforcementNow.Add(-time.Minute), 5)

		// Both callers pass their status pre-checks before either writes.
		var arrived sync.WaitGroup
		arrived.Add(2)
		store.beforeEnforce = func(string) {
			arrived.Done()
			arrived.Wait()
		}

		job := newTestEnforcementJob(t, store, nil, 0)

		var (
			wg       sync.WaitGroup
			summary  *EnforcementSummary
			sweepErr error
			forced   *ForceDeadlineResult
			forceErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			summary, sweepErr = job.Execute(context.Background())
		}()
		go func() {
			defer wg.Done()
			forced, forceErr = job.ForceDeadline(context.Background(), "b1")
		}()
		wg.Wait()

		if sweepErr != nil {
			t.Fatalf("attempt %d: Execute() error = %v", attempt, sweepErr)
		}

		sweepWon := summary.TotalAutoApproved > 0
		forceWon := forceErr == nil
		if sweepWon == forceWon {
			t.Fatalf("attempt %d: sweepWon=%v forceWon=%v, want exactly one winner (force err: %v)",
				attempt, sweepWon, forceWon, forceErr)
		}

		if forceWon {
			if forced.AutoApproved != 5 {
				t.Fatalf("attempt %d: forced auto approved = %d, want 5", attempt, forced.AutoApproved)
			}
			if _, ok := summary.Results[0].(EnforcementSkipped); !ok {
				t.Fatalf("attempt %d: sweep result = %#v, want EnforcementSkipped", attempt, summary.Results[0])
			}
		} else {
			if summary.TotalAutoApproved != 5 {
				t.Fatalf("attempt %d: swept auto approved = %d, want 5", attempt, summary.TotalAutoApproved)
			}
			if !errors.Is(forceErr, domain.ErrInvalidState) {
				t.Fatalf("attempt %d: force error = %v, want ErrInvalidState", attempt, forceErr)
			}
		}

		reviewers := make(map[string]int)
		for _, id := range pendingIDs("b1", 5) {
			v := store.verification(id)
			if v.ReviewStatus != domain.ReviewStatusAutoApproved || v.ReviewedBy == nil {
				t.Fatalf("attempt %d: %s not auto approved", attempt, id)
			}
			reviewers[*v.ReviewedBy]++
		}
		if len(reviewers) != 1 {
			t.Fatalf("attempt %d: verifications stamped by %v, want a single reviewer", attempt, reviewers)
		}

		statuses := store.statuses("b1")
		if len(statuses) != 2 || statuses[1] != domain.BatchStatusPaymentProcessing {
			t.Fatalf("attempt %d: status sequence = %v", attempt, statuses)
		}
	}
}

func TestDeadlineEnforcementCreateMonthlyBatchPassThrough(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.addBusiness(domain.Business{ID: "biz-1", Active: true, CreatedAt: businessSince})
	job := newTestEnforcementJob(t, store, nil, 0)

	first, err := job.CreateMonthlyBatch(context.Background(), "biz-1", 2025, 3)
	if err != nil {
		t.Fatalf("CreateMonthlyBatch() error = %v", err)
	}
	second, err := job.CreateMonthlyBatch(context.Background(), "biz-1", 2025, 3)
	if err != nil || second != first {
		t.Fatalf("second CreateMonthlyBatch() = %s, %v, want %s", second, err, first)
	}

	if _, err := job.CreateMonthlyBatch(context.Background(), "biz-1", 2025, 13); !errors.Is(err, domain.ErrInvalidPeriod) {
		t.Fatalf("CreateMonthlyBatch() error = %v, want ErrInvalidPeriod", err)
	}
}
