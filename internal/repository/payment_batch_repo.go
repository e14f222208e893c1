package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/settlement-engine/internal/domain"
	"gorm.io/gorm"
)

type PaymentBatchRepository interface {
	CreateProcessing(ctx context.Context, b *domain.PaymentBatch) error
	GetByID(ctx context.Context, id string) (*domain.PaymentBatch, error)
	ListByMonth(ctx context.Context, batchMonth string) ([]domain.PaymentBatch, error)
	Finish(ctx context.Context, b *domain.PaymentBatch) error
	CreateItem(ctx context.Context, item *domain.PaymentItem) error
	ListItems(ctx context.Context, paymentBatchID string) ([]domain.PaymentItem, error)
}

type GormPaymentBatchRepo struct {
	db *gorm.DB
}

func NewGormPaymentBatchRepo(db *gorm.DB) *GormPaymentBatchRepo {
	return &GormPaymentBatchRepo{db: db}
}

// CreateProcessing inserts b in processing state. The partial unique index
// on batch_month turns a concurrent or repeated run into
// ErrBatchAlreadyExists.
func (r *GormPaymentBatchRepo) CreateProcessing(ctx context.Context, b *domain.PaymentBatch) error {
	b.Status = domain.PaymentBatchStatusProcessing
	model, err := paymentBatchModelFromDomain(b)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isUniqueViolationError(err) {
			return domain.ErrBatchAlreadyExists
		}
		return err
	}

	created, err := paymentBatchModelToDomain(model)
	if err != nil {
		return err
	}
	*b = *created
	return nil
}

func (r *GormPaymentBatchRepo) GetByID(ctx context.Context, id string) (*domain.PaymentBatch, error) {
	var model PaymentBatchModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return paymentBatchModelToDomain(&model)
}

func (r *GormPaymentBatchRepo) ListByMonth(ctx context.Context, batchMonth string) ([]domain.PaymentBatch, error) {
	var models []PaymentBatchModel
	err := r.db.WithContext(ctx).
		Where("batch_month = ?", batchMonth).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	batches := make([]domain.PaymentBatch, 0, len(models))
	for i := range models {
		b, err := paymentBatchModelToDomain(&models[i])
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, nil
}

// Finish writes the run outcome. Only a processing batch may be finished.
func (r *GormPaymentBatchRepo) Finish(ctx context.Context, b *domain.PaymentBatch) error {
	model, err := paymentBatchModelFromDomain(b)
	if err != nil {
		return err
	}

	result := r.db.WithContext(ctx).
		Model(&PaymentBatchModel{}).
		Where("id = ? AND status = ?", b.ID, domain.PaymentBatchStatusProcessing).
		Updates(map[string]any{
			"total_payments":      model.TotalPayments,
			"successful_payments": model.SuccessfulPayments,
			"failed_payments":     model.FailedPayments,
			"total_amount":        model.TotalAmount,
			"status":              model.Status,
			"errors":              model.Errors,
			"processed_at":        model.ProcessedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormPaymentBatchRepo) CreateItem(ctx context.Context, item *domain.PaymentItem) error {
	model := paymentItemModelFromDomain(item)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if item != nil {
		*item = *paymentItemModelToDomain(model)
	}
	return nil
}

func (r *GormPaymentBatchRepo) ListItems(ctx context.Context, paymentBatchID string) ([]domain.PaymentItem, error) {
	var models []PaymentItemModel
	err := r.db.WithContext(ctx).
		Where("payment_batch_id = ?", paymentBatchID).
		Order("created_at ASC, customer_reference ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	items := make([]domain.PaymentItem, 0, len(models))
	for i := range models {
		items = append(items, *paymentItemModelToDomain(&models[i]))
	}
	return items, nil
}
