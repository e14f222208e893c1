package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/settlement-engine/internal/domain"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ReviewParams is a human review decision on one verification.
type ReviewParams struct {
	ID              string
	Status          domain.ReviewStatus
	ReviewedBy      string
	RejectionReason *string
	Now             time.Time
}

// MarkPaidParams settles a set of verifications under one payout.
type MarkPaidParams struct {
	IDs              []string
	PaymentBatchID   string
	PaymentReference string
	Now              time.Time
}

type VerificationRepository interface {
	Create(ctx context.Context, v *domain.Verification) error
	GetByID(ctx context.Context, id string) (*domain.Verification, error)
	AssignToBatch(ctx context.Context, businessID string, period domain.Period, batchID string) (int64, error)
	ListByBatch(ctx context.Context, batchID string) ([]domain.Verification, error)
	CountPending(ctx context.Context, batchID string) (int64, error)
	CountPendingHighFraud(ctx context.Context, batchID string) (int64, error)
	CountUnpaidPayable(ctx context.Context, batchID string) (int64, error)
	ListPayable(ctx context.Context, period domain.Period) ([]domain.Verification, error)
	MarkPaid(ctx context.Context, params MarkPaidParams) (int64, error)
	MonthlyStats(ctx context.Context, period domain.Period) (*domain.MonthlyPaymentStats, error)
	ListCustomerPhones(ctx context.Context, period domain.Period) ([]string, error)
	Review(ctx context.Context, params ReviewParams) error
}

type GormVerificationRepo struct {
	db *gorm.DB
}

func NewGormVerificationRepo(db *gorm.DB) *GormVerificationRepo {
	return &GormVerificationRepo{db: db}
}

func (r *GormVerificationRepo) Create(ctx context.Context, v *domain.Verification) error {
	model := verificationModelFromDomain(v)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if v != nil {
		*v = *verificationModelToDomain(model)
	}
	return nil
}

func (r *GormVerificationRepo) GetByID(ctx context.Context, id string) (*domain.Verification, error) {
	var model VerificationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return verificationModelToDomain(&model), nil
}

// AssignToBatch attaches the business's unassigned verifications submitted
// within the period to batchID.
func (r *GormVerificationRepo) AssignToBatch(ctx context.Context, businessID string, period domain.Period, batchID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&VerificationModel{}).
		Where("business_id = ? AND billing_batch_id IS NULL", businessID).
		Where("submitted_at >= ? AND submitted_at < ?", period.Start(), period.End()).
		Update("billing_batch_id", batchID)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *GormVerificationRepo) ListByBatch(ctx context.Context, batchID string) ([]domain.Verification, error) {
	var models []VerificationModel
	err := r.db.WithContext(ctx).
		Where("billing_batch_id = ?", batchID).
		Order("submitted_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return verificationsToDomain(models), nil
}

func (r *GormVerificationRepo) CountPending(ctx context.Context, batchID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&VerificationModel{}).
		Where("billing_batch_id = ? AND review_status = ?", batchID, domain.ReviewStatusPending).
		Count(&count).Error
	return count, err
}

func (r *GormVerificationRepo) CountPendingHighFraud(ctx context.Context, batchID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&VerificationModel{}).
		Where("billing_batch_id = ? AND review_status = ?", batchID, domain.ReviewStatusPending).
		Where("fraud_score >= ?", domain.FraudHighThreshold).
		Count(&count).Error
	return count, err
}

func (r *GormVerificationRepo) CountUnpaidPayable(ctx context.Context, batchID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&VerificationModel{}).
		Where("billing_batch_id = ? AND review_status IN ? AND paid_at IS NULL", batchID, domain.PayableStatuses).
		Count(&count).Error
	return count, err
}

// ListPayable returns approved, unpaid verifications of billing batches in
// settlement for the period, across all businesses.
func (r *GormVerificationRepo) ListPayable(ctx context.Context, period domain.Period) ([]domain.Verification, error) {
	var models []VerificationModel
	err := r.db.WithContext(ctx).
		Model(&VerificationModel{}).
		Joins("JOIN billing_batches ON billing_batches.id = verifications.billing_batch_id").
		Where("billing_batches.billing_month = ? AND billing_batches.status = ?", period.Start(), domain.BatchStatusPaymentProcessing).
		Where("verifications.review_status IN ? AND verifications.paid_at IS NULL", domain.PayableStatuses).
		Order("verifications.customer_phone ASC, verifications.submitted_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return verificationsToDomain(models), nil
}

// MarkPaid stamps payment details on verifications not yet paid. The
// returned count excludes rows another run already settled.
func (r *GormVerificationRepo) MarkPaid(ctx context.Context, params MarkPaidParams) (int64, error) {
	if len(params.IDs) == 0 {
		return 0, nil
	}

	result := r.db.WithContext(ctx).
		Model(&VerificationModel{}).
		Where("id IN ? AND paid_at IS NULL", params.IDs).
		Updates(map[string]any{
			"paid_at":           params.Now.UTC(),
			"payment_batch_id":  params.PaymentBatchID,
			"payment_reference": params.PaymentReference,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

type paymentStatsRow struct {
	ReviewStatus domain.ReviewStatus `gorm:"column:review_status"`
	Paid         bool                `gorm:"column:paid"`
	Count        int64               `gorm:"column:count"`
	Amount       decimal.Decimal     `gorm:"column:amount"`
}

// MonthlyStats aggregates the live payment state of verifications submitted
// in the period.
func (r *GormVerificationRepo) MonthlyStats(ctx context.Context, period domain.Period) (*domain.MonthlyPaymentStats, error) {
	inPeriod := r.db.WithContext(ctx).
		Model(&VerificationModel{}).
		Where("submitted_at >= ? AND submitted_at < ?", period.Start(), period.End())

	var rows []paymentStatsRow
	err := inPeriod.Session(&gorm.Session{}).
		Select("review_status, paid_at IS NOT NULL AS paid, COUNT(*) AS count, COALESCE(SUM(payment_amount), 0) AS amount").
		Group("review_status, paid_at IS NOT NULL").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate monthly payments: %w", err)
	}

	stats := &domain.MonthlyPaymentStats{
		BatchMonth:    period.BatchMonth(),
		PaidAmount:    decimal.Zero,
		PendingAmount: decimal.Zero,
	}
	for _, row := range rows {
		switch {
		case row.ReviewStatus == domain.ReviewStatusPending:
			stats.PendingVerifications += int(row.Count)
		case row.ReviewStatus.IsPayable():
			stats.ApprovedVerifications += int(row.Count)
			if row.Paid {
				stats.PaidVerifications += int(row.Count)
				stats.PaidAmount = stats.PaidAmount.Add(row.Amount)
			} else {
				stats.PendingAmount = stats.PendingAmount.Add(row.Amount)
			}
		}
	}
	return stats, nil
}

// ListCustomerPhones returns the distinct raw phones of payable
// verifications submitted in the period. Spellings of one number are not
// merged here.
func (r *GormVerificationRepo) ListCustomerPhones(ctx context.Context, period domain.Period) ([]string, error) {
	var phones []string
	err := r.db.WithContext(ctx).
		Model(&VerificationModel{}).
		Where("submitted_at >= ? AND submitted_at < ?", period.Start(), period.End()).
		Where("review_status IN ?", domain.PayableStatuses).
		Distinct("customer_phone").
		Order("customer_phone ASC").
		Pluck("customer_phone", &phones).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list monthly customers: %w", err)
	}
	return phones, nil
}

// Review applies a human decision. Only pending verifications move;
// anything else is reported as ErrInvalidState.
func (r *GormVerificationRepo) Review(ctx context.Context, params ReviewParams) error {
	result := r.db.WithContext(ctx).
		Model(&VerificationModel{}).
		Where("id = ? AND review_status = ?", params.ID, domain.ReviewStatusPending).
		Updates(map[string]any{
			"review_status":    params.Status,
			"reviewed_at":      params.Now.UTC(),
			"reviewed_by":      params.ReviewedBy,
			"rejection_reason": params.RejectionReason,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	existing, err := r.GetByID(ctx, params.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: verification %s is %s", domain.ErrInvalidState, existing.ID, existing.ReviewStatus)
}

func verificationsToDomain(models []VerificationModel) []domain.Verification {
	verifications := make([]domain.Verification, 0, len(models))
	for i := range models {
		verifications = append(verifications, *verificationModelToDomain(&models[i]))
	}
	return verifications
}
