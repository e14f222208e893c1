package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/settlement-engine/internal/domain"
	"gorm.io/gorm"
)

type BusinessRepository interface {
	Create(ctx context.Context, b *domain.Business) error
	GetByID(ctx context.Context, id string) (*domain.Business, error)
	ListActive(ctx context.Context, period domain.Period) ([]domain.Business, error)
}

type GormBusinessRepo struct {
	db *gorm.DB
}

func NewGormBusinessRepo(db *gorm.DB) *GormBusinessRepo {
	return &GormBusinessRepo{db: db}
}

func (r *GormBusinessRepo) Create(ctx context.Context, b *domain.Business) error {
	model := businessModelFromDomain(b)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if b != nil {
		*b = *businessModelToDomain(model)
	}
	return nil
}

func (r *GormBusinessRepo) GetByID(ctx context.Context, id string) (*domain.Business, error) {
	var model BusinessModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return businessModelToDomain(&model), nil
}

// ListActive returns businesses that existed before the period closed and
// were not deactivated before it opened.
func (r *GormBusinessRepo) ListActive(ctx context.Context, period domain.Period) ([]domain.Business, error) {
	var models []BusinessModel
	err := r.db.WithContext(ctx).
		Where("created_at < ?", period.End()).
		Where("(active = ? AND deactivated_at IS NULL) OR deactivated_at >= ?", true, period.Start()).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	businesses := make([]domain.Business, 0, len(models))
	for i := range models {
		businesses = append(businesses, *businessModelToDomain(&models[i]))
	}
	return businesses, nil
}
