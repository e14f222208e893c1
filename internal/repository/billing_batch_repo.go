package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/settlement-engine/internal/domain"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EnforceParams describes one deadline enforcement attempt on a batch.
type EnforceParams struct {
	BatchID    string
	ReviewedBy string
	Now        time.Time
	// RequireDeadline restricts the transition to batches whose review
	// deadline has passed at Now. The admin override leaves it false.
	RequireDeadline bool
}

// EnforceOutcome reports what an enforcement attempt changed.
type EnforceOutcome struct {
	Applied      bool
	AutoApproved int
	Status       domain.BatchStatus
}

type BillingBatchRepository interface {
	CreateIfAbsent(ctx context.Context, b *domain.BillingBatch) (bool, error)
	GetByID(ctx context.Context, id string) (*domain.BillingBatch, error)
	GetByBusinessMonth(ctx context.Context, businessID string, month time.Time) (*domain.BillingBatch, error)
	RecomputeTotals(ctx context.Context, id string) (*domain.BatchTotals, error)
	AdvanceToReview(ctx context.Context, id string, deadline time.Time) (bool, error)
	ListDueForEnforcement(ctx context.Context, now time.Time) ([]domain.BillingBatch, error)
	EnforceDeadline(ctx context.Context, params EnforceParams) (*EnforceOutcome, error)
	ListByStatus(ctx context.Context, status domain.BatchStatus) ([]domain.BillingBatch, error)
	ListByMonthAndStatus(ctx context.Context, month time.Time, status domain.BatchStatus) ([]domain.BillingBatch, error)
	Complete(ctx context.Context, id string, now time.Time) (bool, error)
}

type GormBillingBatchRepo struct {
	db *gorm.DB
}

func NewGormBillingBatchRepo(db *gorm.DB) *GormBillingBatchRepo {
	return &GormBillingBatchRepo{db: db}
}

var errEnforcementLost = errors.New("billing batch left review_period during enforcement")

// CreateIfAbsent inserts b unless a batch for the same business and month
// exists. Either way b is overwritten with the stored row.
func (r *GormBillingBatchRepo) CreateIfAbsent(ctx context.Context, b *domain.BillingBatch) (bool, error) {
	model := billingBatchModelFromDomain(b)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "business_id"}, {Name: "billing_month"}},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil {
		return false, result.Error
	}
	created := result.RowsAffected > 0

	existing, err := r.GetByBusinessMonth(ctx, b.BusinessID, b.BillingMonth)
	if err != nil {
		return false, err
	}
	*b = *existing
	return created, nil
}

func (r *GormBillingBatchRepo) GetByID(ctx context.Context, id string) (*domain.BillingBatch, error) {
	var model BillingBatchModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return billingBatchModelToDomain(&model), nil
}

func (r *GormBillingBatchRepo) GetByBusinessMonth(ctx context.Context, businessID string, month time.Time) (*domain.BillingBatch, error) {
	var model BillingBatchModel
	err := r.db.WithContext(ctx).
		Where("business_id = ? AND billing_month = ?", businessID, month.UTC()).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return billingBatchModelToDomain(&model), nil
}

// RecomputeTotals derives the batch counters from its verifications. Totals
// are written only while the batch is still open for review; settled
// batches keep their invoiced figures.
func (r *GormBillingBatchRepo) RecomputeTotals(ctx context.Context, id string) (*domain.BatchTotals, error) {
	var totals domain.BatchTotals
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		computed, err := aggregateBatch(tx, id)
		if err != nil {
			return err
		}
		totals = computed

		return tx.Model(&BillingBatchModel{}).
			Where("id = ? AND status IN ?", id, []domain.BatchStatus{
				domain.BatchStatusCollecting,
				domain.BatchStatusReviewPeriod,
			}).
			Updates(totalsColumns(computed)).Error
	})
	if err != nil {
		return nil, err
	}
	return &totals, nil
}

func (r *GormBillingBatchRepo) AdvanceToReview(ctx context.Context, id string, deadline time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&BillingBatchModel{}).
		Where("id = ? AND status = ?", id, domain.BatchStatusCollecting).
		Updates(map[string]any{
			"status":          domain.BatchStatusReviewPeriod,
			"review_deadline": deadline.UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormBillingBatchRepo) ListDueForEnforcement(ctx context.Context, now time.Time) ([]domain.BillingBatch, error) {
	var models []BillingBatchModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND review_deadline <= ?", domain.BatchStatusReviewPeriod, now.UTC()).
		Order("review_deadline ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return billingBatchesToDomain(models), nil
}

// EnforceDeadline auto-approves every pending verification of the batch and
// moves it to payment_processing in one transaction. The batch row is
// locked and the status re-checked at write time, so of two concurrent
// callers exactly one applies.
func (r *GormBillingBatchRepo) EnforceDeadline(ctx context.Context, params EnforceParams) (*EnforceOutcome, error) {
	outcome := &EnforceOutcome{}
	now := params.Now.UTC()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model BillingBatchModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", params.BatchID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrBatchNotFound
		}
		if err != nil {
			return err
		}

		outcome.Status = model.Status
		if model.Status != domain.BatchStatusReviewPeriod {
			return nil
		}
		if params.RequireDeadline && (model.ReviewDeadline == nil || model.ReviewDeadline.After(now)) {
			return nil
		}

		approved := tx.Model(&VerificationModel{}).
			Where("billing_batch_id = ? AND review_status = ?", params.BatchID, domain.ReviewStatusPending).
			Updates(map[string]any{
				"review_status": domain.ReviewStatusAutoApproved,
				"reviewed_at":   now,
				"reviewed_by":   params.ReviewedBy,
			})
		if approved.Error != nil {
			return approved.Error
		}

		totals, err := aggregateBatch(tx, params.BatchID)
		if err != nil {
			return err
		}

		columns := totalsColumns(totals)
		columns["status"] = domain.BatchStatusPaymentProcessing
		columns["store_invoice_generated"] = true

		moved := tx.Model(&BillingBatchModel{}).
			Where("id = ? AND status = ?", params.BatchID, domain.BatchStatusReviewPeriod).
			Updates(columns)
		if moved.Error != nil {
			return moved.Error
		}
		if moved.RowsAffected == 0 {
			return errEnforcementLost
		}

		outcome.Applied = true
		outcome.AutoApproved = int(approved.RowsAffected)
		outcome.Status = domain.BatchStatusPaymentProcessing
		return nil
	})
	if errors.Is(err, errEnforcementLost) {
		return &EnforceOutcome{Status: domain.BatchStatusPaymentProcessing}, nil
	}
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (r *GormBillingBatchRepo) ListByStatus(ctx context.Context, status domain.BatchStatus) ([]domain.BillingBatch, error) {
	var models []BillingBatchModel
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("billing_month ASC, created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return billingBatchesToDomain(models), nil
}

func (r *GormBillingBatchRepo) ListByMonthAndStatus(ctx context.Context, month time.Time, status domain.BatchStatus) ([]domain.BillingBatch, error) {
	var models []BillingBatchModel
	err := r.db.WithContext(ctx).
		Where("billing_month = ? AND status = ?", month.UTC(), status).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return billingBatchesToDomain(models), nil
}

// Complete closes a settled batch. Store payment tracking is left to the
// invoicing side.
func (r *GormBillingBatchRepo) Complete(ctx context.Context, id string, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&BillingBatchModel{}).
		Where("id = ? AND status = ?", id, domain.BatchStatusPaymentProcessing).
		Updates(map[string]any{
			"status":                 domain.BatchStatusCompleted,
			"customer_payments_sent": true,
			"completed_at":           now.UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

type reviewStatusAggregate struct {
	ReviewStatus domain.ReviewStatus `gorm:"column:review_status"`
	Count        int64               `gorm:"column:count"`
	Payments     decimal.Decimal     `gorm:"column:payments"`
	Commission   decimal.Decimal     `gorm:"column:commission"`
}

func aggregateBatch(tx *gorm.DB, batchID string) (domain.BatchTotals, error) {
	var rows []reviewStatusAggregate
	err := tx.Model(&VerificationModel{}).
		Select("review_status, COUNT(*) AS count, COALESCE(SUM(payment_amount), 0) AS payments, COALESCE(SUM(commission_amount), 0) AS commission").
		Where("billing_batch_id = ?", batchID).
		Group("review_status").
		Scan(&rows).Error
	if err != nil {
		return domain.BatchTotals{}, err
	}

	totals := domain.BatchTotals{
		TotalCustomerPayments: decimal.Zero,
		TotalCommission:       decimal.Zero,
	}
	for _, row := range rows {
		totals.TotalVerifications += int(row.Count)
		switch {
		case row.ReviewStatus.IsPayable():
			totals.ApprovedVerifications += int(row.Count)
			totals.TotalCustomerPayments = totals.TotalCustomerPayments.Add(row.Payments)
			totals.TotalCommission = totals.TotalCommission.Add(row.Commission)
		case row.ReviewStatus == domain.ReviewStatusRejected:
			totals.RejectedVerifications += int(row.Count)
		}
	}
	return totals, nil
}

func totalsColumns(t domain.BatchTotals) map[string]any {
	return map[string]any{
		"total_verifications":     t.TotalVerifications,
		"approved_verifications":  t.ApprovedVerifications,
		"rejected_verifications":  t.RejectedVerifications,
		"total_customer_payments": t.TotalCustomerPayments,
		"total_commission":        t.TotalCommission,
		"total_store_cost":        t.StoreCost(),
	}
}

func billingBatchesToDomain(models []BillingBatchModel) []domain.BillingBatch {
	batches := make([]domain.BillingBatch, 0, len(models))
	for i := range models {
		batches = append(batches, *billingBatchModelToDomain(&models[i]))
	}
	return batches
}
