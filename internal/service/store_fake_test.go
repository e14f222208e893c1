package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/settlement-engine/internal/domain"
	"github.com/kursadbilgin/settlement-engine/internal/gateway"
	"github.com/kursadbilgin/settlement-engine/internal/queue"
	"github.com/kursadbilgin/settlement-engine/internal/repository"
	"github.com/shopspring/decimal"
)

// memStore is an in-memory store with the same conditional-update
// semantics as the gorm repositories. One mutex makes every method a
// single atomic step.
type memStore struct {
	mu            sync.Mutex
	businesses    map[string]domain.Business
	batches       map[string]*domain.BillingBatch
	verifications map[string]*domain.Verification
	payments      map[string]*domain.PaymentBatch
	items         []domain.PaymentItem
	statusLog     map[string][]domain.BatchStatus

	recomputeErr   map[string]error
	enforceErr     map[string]error
	listPayableErr error
	markPaidErr    error
	// beforeEnforce runs outside the lock before each EnforceDeadline.
	beforeEnforce func(batchID string)
}

func newMemStore() *memStore {
	return &memStore{
		businesses:    make(map[string]domain.Business),
		batches:       make(map[string]*domain.BillingBatch),
		verifications: make(map[string]*domain.Verification),
		payments:      make(map[string]*domain.PaymentBatch),
		statusLog:     make(map[string][]domain.BatchStatus),
		recomputeErr:  make(map[string]error),
		enforceErr:    make(map[string]error),
	}
}

func (s *memStore) businessRepo() *memBusinessRepo         { return &memBusinessRepo{s: s} }
func (s *memStore) batchRepo() *memBatchRepo               { return &memBatchRepo{s: s} }
func (s *memStore) verificationRepo() *memVerificationRepo { return &memVerificationRepo{s: s} }
func (s *memStore) paymentRepo() *memPaymentRepo           { return &memPaymentRepo{s: s} }

func (s *memStore) addBusiness(b domain.Business) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.businesses[b.ID] = b
}

func (s *memStore) addBatch(b domain.BillingBatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := b
	s.batches[b.ID] = &stored
	s.statusLog[b.ID] = append(s.statusLog[b.ID], b.Status)
}

func (s *memStore) addVerification(v domain.Verification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := v
	s.verifications[v.ID] = &stored
}

func (s *memStore) addPaymentBatch(b domain.PaymentBatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := b
	s.payments[b.ID] = &stored
}

func (s *memStore) batch(id string) domain.BillingBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.batches[id]
}

func (s *memStore) verification(id string) domain.Verification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.verifications[id]
}

func (s *memStore) statuses(id string) []domain.BatchStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.BatchStatus, len(s.statusLog[id]))
	copy(out, s.statusLog[id])
	return out
}

func (s *memStore) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *memStore) paymentBatchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payments)
}

func (s *memStore) paymentItems() []domain.PaymentItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PaymentItem, len(s.items))
	copy(out, s.items)
	return out
}

// setStatusLocked records every status change so tests can check the
// observed sequence.
func (s *memStore) setStatusLocked(b *domain.BillingBatch, status domain.BatchStatus) {
	b.Status = status
	s.statusLog[b.ID] = append(s.statusLog[b.ID], status)
}

func (s *memStore) aggregateLocked(batchID string) domain.BatchTotals {
	totals := domain.BatchTotals{TotalCustomerPayments: decimal.Zero, TotalCommission: decimal.Zero}
	for _, v := range s.verifications {
		if v.BillingBatchID == nil || *v.BillingBatchID != batchID {
			continue
		}
		totals.TotalVerifications++
		switch {
		case v.ReviewStatus.IsPayable():
			totals.ApprovedVerifications++
			if v.PaymentAmount != nil {
				totals.TotalCustomerPayments = totals.TotalCustomerPayments.Add(*v.PaymentAmount)
			}
			if v.CommissionAmount != nil {
				totals.TotalCommission = totals.TotalCommission.Add(*v.CommissionAmount)
			}
		case v.ReviewStatus == domain.ReviewStatusRejected:
			totals.RejectedVerifications++
		}
	}
	return totals
}

func applyTotals(b *domain.BillingBatch, t domain.BatchTotals) {
	b.TotalVerifications = t.TotalVerifications
	b.ApprovedVerifications = t.ApprovedVerifications
	b.RejectedVerifications = t.RejectedVerifications
	b.TotalCustomerPayments = t.TotalCustomerPayments
	b.TotalCommission = t.TotalCommission
	b.TotalStoreCost = t.StoreCost()
}

type memBusinessRepo struct{ s *memStore }

func (r *memBusinessRepo) Create(_ context.Context, b *domain.Business) error {
	r.s.addBusiness(*b)
	return nil
}

func (r *memBusinessRepo) GetByID(_ context.Context, id string) (*domain.Business, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.businesses[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &b, nil
}

func (r *memBusinessRepo) ListActive(_ context.Context, period domain.Period) ([]domain.Business, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]domain.Business, 0)
	for _, b := range r.s.businesses {
		if b.ActiveIn(period) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memBatchRepo struct{ s *memStore }

func (r *memBatchRepo) CreateIfAbsent(_ context.Context, b *domain.BillingBatch) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.batches {
		if existing.BusinessID == b.BusinessID && existing.BillingMonth.Equal(b.BillingMonth) {
			*b = *existing
			return false, nil
		}
	}
	stored := *b
	r.s.batches[b.ID] = &stored
	r.s.statusLog[b.ID] = append(r.s.statusLog[b.ID], b.Status)
	return true, nil
}

func (r *memBatchRepo) GetByID(_ context.Context, id string) (*domain.BillingBatch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.batches[id]
	if !ok {
		return nil, domain.ErrBatchNotFound
	}
	out := *b
	return &out, nil
}

func (r *memBatchRepo) GetByBusinessMonth(_ context.Context, businessID string, month time.Time) (*domain.BillingBatch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, b := range r.s.batches {
		if b.BusinessID == businessID && b.BillingMonth.Equal(month) {
			out := *b
			return &out, nil
		}
	}
	return nil, domain.ErrBatchNotFound
}

func (r *memBatchRepo) RecomputeTotals(_ context.Context, id string) (*domain.BatchTotals, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.recomputeErr[id]; err != nil {
		return nil, err
	}
	totals := r.s.aggregateLocked(id)
	if b, ok := r.s.batches[id]; ok {
		if b.Status == domain.BatchStatusCollecting || b.Status == domain.BatchStatusReviewPeriod {
			applyTotals(b, totals)
		}
	}
	return &totals, nil
}

func (r *memBatchRepo) AdvanceToReview(_ context.Context, id string, deadline time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.batches[id]
	if !ok || b.Status != domain.BatchStatusCollecting {
		return false, nil
	}
	d := deadline.UTC()
	b.ReviewDeadline = &d
	r.s.setStatusLocked(b, domain.BatchStatusReviewPeriod)
	return true, nil
}

func (r *memBatchRepo) ListDueForEnforcement(_ context.Context, now time.Time) ([]domain.BillingBatch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]domain.BillingBatch, 0)
	for _, b := range r.s.batches {
		if b.Status == domain.BatchStatusReviewPeriod && b.ReviewDeadline != nil && !b.ReviewDeadline.After(now) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memBatchRepo) EnforceDeadline(_ context.Context, params repository.EnforceParams) (*repository.EnforceOutcome, error) {
	if r.s.beforeEnforce != nil {
		r.s.beforeEnforce(params.BatchID)
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.enforceErr[params.BatchID]; err != nil {
		return nil, err
	}
	b, ok := r.s.batches[params.BatchID]
	if !ok {
		return nil, domain.ErrBatchNotFound
	}
	if b.Status != domain.BatchStatusReviewPeriod {
		return &repository.EnforceOutcome{Status: b.Status}, nil
	}
	if params.RequireDeadline && (b.ReviewDeadline == nil || b.ReviewDeadline.After(params.Now)) {
		return &repository.EnforceOutcome{Status: b.Status}, nil
	}

	approved := 0
	now := params.Now.UTC()
	for _, v := range r.s.verifications {
		if v.BillingBatchID == nil || *v.BillingBatchID != b.ID || v.ReviewStatus != domain.ReviewStatusPending {
			continue
		}
		reviewer := params.ReviewedBy
		v.ReviewStatus = domain.ReviewStatusAutoApproved
		v.ReviewedAt = &now
		v.ReviewedBy = &reviewer
		approved++
	}
	applyTotals(b, r.s.aggregateLocked(b.ID))
	b.StoreInvoiceGenerated = true
	r.s.setStatusLocked(b, domain.BatchStatusPaymentProcessing)

	return &repository.EnforceOutcome{
		Applied:      true,
		AutoApproved: approved,
		Status:       domain.BatchStatusPaymentProcessing,
	}, nil
}

func (r *memBatchRepo) ListByStatus(_ context.Context, status domain.BatchStatus) ([]domain.BillingBatch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]domain.BillingBatch, 0)
	for _, b := range r.s.batches {
		if b.Status == status {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BillingMonth.Equal(out[j].BillingMonth) {
			return out[i].BillingMonth.Before(out[j].BillingMonth)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *memBatchRepo) ListByMonthAndStatus(_ context.Context, month time.Time, status domain.BatchStatus) ([]domain.BillingBatch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]domain.BillingBatch, 0)
	for _, b := range r.s.batches {
		if b.Status == status && b.BillingMonth.Equal(month) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memBatchRepo) Complete(_ context.Context, id string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.batches[id]
	if !ok || b.Status != domain.BatchStatusPaymentProcessing {
		return false, nil
	}
	completedAt := now.UTC()
	b.CompletedAt = &completedAt
	b.CustomerPaymentsSent = true
	r.s.setStatusLocked(b, domain.BatchStatusCompleted)
	return true, nil
}

type memVerificationRepo struct{ s *memStore }

func (r *memVerificationRepo) Create(_ context.Context, v *domain.Verification) error {
	r.s.addVerification(*v)
	return nil
}

func (r *memVerificationRepo) GetByID(_ context.Context, id string) (*domain.Verification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	v, ok := r.s.verifications[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *v
	return &out, nil
}

func (r *memVerificationRepo) AssignToBatch(_ context.Context, businessID string, period domain.Period, batchID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, v := range r.s.verifications {
		if v.BusinessID != businessID || v.BillingBatchID != nil {
			continue
		}
		if v.SubmittedAt.Before(period.Start()) || !v.SubmittedAt.Before(period.End()) {
			continue
		}
		id := batchID
		v.BillingBatchID = &id
		n++
	}
	return n, nil
}

func (r *memVerificationRepo) ListByBatch(_ context.Context, batchID string) ([]domain.Verification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]domain.Verification, 0)
	for _, v := range r.s.verifications {
		if v.BillingBatchID != nil && *v.BillingBatchID == batchID {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (r *memVerificationRepo) count(batchID string, match func(v *domain.Verification) bool) int64 {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, v := range r.s.verifications {
		if v.BillingBatchID != nil && *v.BillingBatchID == batchID && match(v) {
			n++
		}
	}
	return n
}

func (r *memVerificationRepo) CountPending(_ context.Context, batchID string) (int64, error) {
	return r.count(batchID, func(v *domain.Verification) bool {
		return v.ReviewStatus == domain.ReviewStatusPending
	}), nil
}

func (r *memVerificationRepo) CountPendingHighFraud(_ context.Context, batchID string) (int64, error) {
	return r.count(batchID, func(v *domain.Verification) bool {
		return v.ReviewStatus == domain.ReviewStatusPending && domain.FraudTierOf(v.FraudScore) == domain.FraudTierHigh
	}), nil
}

func (r *memVerificationRepo) CountUnpaidPayable(_ context.Context, batchID string) (int64, error) {
	return r.count(batchID, func(v *domain.Verification) bool {
		return v.ReviewStatus.IsPayable() && v.PaidAt == nil
	}), nil
}

func (r *memVerificationRepo) ListPayable(_ context.Context, period domain.Period) ([]domain.Verification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.listPayableErr != nil {
		return nil, r.s.listPayableErr
	}
	out := make([]domain.Verification, 0)
	for _, v := range r.s.verifications {
		if v.BillingBatchID == nil || !v.ReviewStatus.IsPayable() || v.PaidAt != nil {
			continue
		}
		b, ok := r.s.batches[*v.BillingBatchID]
		if !ok || b.Status != domain.BatchStatusPaymentProcessing || !b.BillingMonth.Equal(period.Start()) {
			continue
		}
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CustomerPhone != out[j].CustomerPhone {
			return out[i].CustomerPhone < out[j].CustomerPhone
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

func (r *memVerificationRepo) MarkPaid(ctx context.Context, params repository.MarkPaidParams) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.markPaidErr != nil {
		return 0, r.s.markPaidErr
	}
	var n int64
	now := params.Now.UTC()
	for _, id := range params.IDs {
		v, ok := r.s.verifications[id]
		if !ok || v.PaidAt != nil {
			continue
		}
		batchID, reference := params.PaymentBatchID, params.PaymentReference
		v.PaidAt = &now
		v.PaymentBatchID = &batchID
		v.PaymentReference = &reference
		n++
	}
	return n, nil
}

func (r *memVerificationRepo) MonthlyStats(_ context.Context, period domain.Period) (*domain.MonthlyPaymentStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stats := &domain.MonthlyPaymentStats{
		BatchMonth:    period.BatchMonth(),
		PaidAmount:    decimal.Zero,
		PendingAmount: decimal.Zero,
	}
	for _, v := range r.s.verifications {
		if v.SubmittedAt.Before(period.Start()) || !v.SubmittedAt.Before(period.End()) {
			continue
		}
		switch {
		case v.ReviewStatus == domain.ReviewStatusPending:
			stats.PendingVerifications++
		case v.ReviewStatus.IsPayable():
			stats.ApprovedVerifications++
			if v.PaidAt != nil {
				stats.PaidVerifications++
				stats.PaidAmount = stats.PaidAmount.Add(v.Payout())
			} else {
				stats.PendingAmount = stats.PendingAmount.Add(v.Payout())
			}
		}
	}
	return stats, nil
}

func (r *memVerificationRepo) ListCustomerPhones(_ context.Context, period domain.Period) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, v := range r.s.verifications {
		if v.SubmittedAt.Before(period.Start()) || !v.SubmittedAt.Before(period.End()) || !v.ReviewStatus.IsPayable() {
			continue
		}
		if _, ok := seen[v.CustomerPhone]; ok {
			continue
		}
		seen[v.CustomerPhone] = struct{}{}
		out = append(out, v.CustomerPhone)
	}
	sort.Strings(out)
	return out, nil
}

func (r *memVerificationRepo) Review(_ context.Context, params repository.ReviewParams) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	v, ok := r.s.verifications[params.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if v.ReviewStatus != domain.ReviewStatusPending {
		return fmt.Errorf("%w: verification %s is %s", domain.ErrInvalidState, v.ID, v.ReviewStatus)
	}
	now := params.Now.UTC()
	reviewer := params.ReviewedBy
	v.ReviewStatus = params.Status
	v.ReviewedAt = &now
	v.ReviewedBy = &reviewer
	v.RejectionReason = params.RejectionReason
	return nil
}

type memPaymentRepo struct{ s *memStore }

func (r *memPaymentRepo) CreateProcessing(_ context.Context, b *domain.PaymentBatch) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.payments {
		if existing.BatchMonth == b.BatchMonth && existing.Status.Blocking() {
			return domain.ErrBatchAlreadyExists
		}
	}
	b.Status = domain.PaymentBatchStatusProcessing
	stored := *b
	r.s.payments[b.ID] = &stored
	return nil
}

func (r *memPaymentRepo) GetByID(_ context.Context, id string) (*domain.PaymentBatch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.payments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *b
	return &out, nil
}

func (r *memPaymentRepo) ListByMonth(_ context.Context, batchMonth string) ([]domain.PaymentBatch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]domain.PaymentBatch, 0)
	for _, b := range r.s.payments {
		if b.BatchMonth == batchMonth {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (r *memPaymentRepo) Finish(ctx context.Context, b *domain.PaymentBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.payments[b.ID]
	if !ok || stored.Status != domain.PaymentBatchStatusProcessing {
		return domain.ErrConflict
	}
	*stored = *b
	return nil
}

func (r *memPaymentRepo) CreateItem(ctx context.Context, item *domain.PaymentItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.items = append(r.s.items, *item)
	return nil
}

func (r *memPaymentRepo) ListItems(_ context.Context, paymentBatchID string) ([]domain.PaymentItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]domain.PaymentItem, 0)
	for _, item := range r.s.items {
		if item.PaymentBatchID == paymentBatchID {
			out = append(out, item)
		}
	}
	return out, nil
}

type fakeGateway struct {
	submitFn func(ctx context.Context, req gateway.PayoutRequest) (*gateway.PayoutResult, error)
	testFn   func(ctx context.Context) bool

	mu       sync.Mutex
	requests []gateway.PayoutRequest
}

func (f *fakeGateway) SubmitPayout(ctx context.Context, req gateway.PayoutRequest) (*gateway.PayoutResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.submitFn != nil {
		return f.submitFn(ctx, req)
	}
	return &gateway.PayoutResult{StatusCode: 201, Reference: "ref-" + req.CustomerReference, Status: "CREATED"}, nil
}

func (f *fakeGateway) TestConnection(ctx context.Context) bool {
	if f.testFn != nil {
		return f.testFn(ctx)
	}
	return true
}

func (f *fakeGateway) submitted() []gateway.PayoutRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gateway.PayoutRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

type fakePublisher struct {
	publishFn func(ctx context.Context, event queue.BillingEvent) error

	mu     sync.Mutex
	events []queue.BillingEvent
}

func (f *fakePublisher) Publish(ctx context.Context, event queue.BillingEvent) error {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
	if f.publishFn != nil {
		return f.publishFn(ctx, event)
	}
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) published(eventType queue.EventType) []queue.BillingEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]queue.BillingEvent, 0)
	for _, event := range f.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func money(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }
