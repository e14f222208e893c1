package repository

import (
	"encoding/json"
	"time"

	"github.com/kursadbilgin/settlement-engine/internal/domain"
	"github.com/shopspring/decimal"
)

// BusinessModel is the persistence model for the businesses table.
type BusinessModel struct {
	ID               string `gorm:"type:uuid;primaryKey"`
	Name             string `gorm:"type:varchar(255);not null"`
	Active           bool   `gorm:"not null;default:true"`
	ReviewWindowDays *int
	CreatedAt        time.Time
	DeactivatedAt    *time.Time
}

func (BusinessModel) TableName() string {
	return "businesses"
}

// BillingBatchModel is the persistence model for billing_batches.
type BillingBatchModel struct {
	ID                    string             `gorm:"type:uuid;primaryKey"`
	BusinessID            string             `gorm:"type:uuid;not null;uniqueIndex:idx_billing_batches_business_month"`
	BillingMonth          time.Time          `gorm:"not null;uniqueIndex:idx_billing_batches_business_month"`
	Status                domain.BatchStatus `gorm:"type:varchar(32);not null"`
	ReviewDeadline        *time.Time
	PaymentDueDate        time.Time       `gorm:"not null"`
	TotalVerifications    int             `gorm:"not null;default:0"`
	ApprovedVerifications int             `gorm:"not null;default:0"`
	RejectedVerifications int             `gorm:"not null;default:0"`
	TotalCustomerPayments decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0"`
	TotalCommission       decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0"`
	TotalStoreCost        decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0"`
	StoreInvoiceGenerated bool            `gorm:"not null;default:false"`
	StorePaymentReceived  bool            `gorm:"not null;default:false"`
	CustomerPaymentsSent  bool            `gorm:"not null;default:false"`
	CreatedAt             time.Time
	CompletedAt           *time.Time
}

func (BillingBatchModel) TableName() string {
	return "billing_batches"
}

// VerificationModel is the persistence model for verifications.
type VerificationModel struct {
	ID               string              `gorm:"type:uuid;primaryKey"`
	BusinessID       string              `gorm:"type:uuid;not null"`
	BillingBatchID   *string             `gorm:"type:uuid"`
	SubmittedAt      time.Time           `gorm:"not null"`
	PurchaseTime     time.Time           `gorm:"not null"`
	PurchaseAmount   decimal.Decimal     `gorm:"type:numeric(12,2);not null"`
	CustomerPhone    string              `gorm:"type:varchar(32);not null"`
	FraudScore       *float64            `gorm:"type:double precision"`
	ReviewStatus     domain.ReviewStatus `gorm:"type:varchar(20);not null"`
	PaymentAmount    *decimal.Decimal    `gorm:"type:numeric(12,2)"`
	CommissionAmount *decimal.Decimal    `gorm:"type:numeric(12,2)"`
	ReviewedAt       *time.Time
	ReviewedBy       *string `gorm:"type:varchar(255)"`
	RejectionReason  *string `gorm:"type:text"`
	PaymentBatchID   *string `gorm:"type:uuid"`
	PaidAt           *time.Time
	PaymentReference *string `gorm:"type:varchar(255)"`
}

func (VerificationModel) TableName() string {
	return "verifications"
}

// PaymentBatchModel is the persistence model for payment_batches. Errors
// holds a JSON array of domain.PaymentError.
type PaymentBatchModel struct {
	ID                 string                    `gorm:"type:uuid;primaryKey"`
	BatchMonth         string                    `gorm:"type:varchar(7);not null"`
	TotalPayments      int                       `gorm:"not null;default:0"`
	SuccessfulPayments int                       `gorm:"not null;default:0"`
	FailedPayments     int                       `gorm:"not null;default:0"`
	TotalAmount        decimal.Decimal           `gorm:"type:numeric(12,2);not null;default:0"`
	Status             domain.PaymentBatchStatus `gorm:"type:varchar(20);not null"`
	Errors             string                    `gorm:"type:text;not null;default:'[]'"`
	CreatedAt          time.Time
	ProcessedAt        *time.Time
}

func (PaymentBatchModel) TableName() string {
	return "payment_batches"
}

// PaymentItemModel is the persistence model for payment_items.
type PaymentItemModel struct {
	ID                string                   `gorm:"type:uuid;primaryKey"`
	PaymentBatchID    string                   `gorm:"type:uuid;not null"`
	CustomerReference string                   `gorm:"type:varchar(64);not null"`
	Amount            decimal.Decimal          `gorm:"type:numeric(12,2);not null"`
	VerificationCount int                      `gorm:"not null"`
	Status            domain.PaymentItemStatus `gorm:"type:varchar(10);not null"`
	GatewayReference  *string                  `gorm:"type:varchar(255)"`
	ErrorMessage      *string                  `gorm:"type:text"`
	Retryable         bool                     `gorm:"not null;default:false"`
	CreatedAt         time.Time
}

func (PaymentItemModel) TableName() string {
	return "payment_items"
}

func businessModelFromDomain(b *domain.Business) *BusinessModel {
	if b == nil {
		return nil
	}

	return &BusinessModel{
		ID:               b.ID,
		Name:             b.Name,
		Active:           b.Active,
		ReviewWindowDays: b.ReviewWindowDays,
		CreatedAt:        b.CreatedAt,
		DeactivatedAt:    b.DeactivatedAt,
	}
}

func businessModelToDomain(m *BusinessModel) *domain.Business {
	if m == nil {
		return nil
	}

	return &domain.Business{
		ID:               m.ID,
		Name:             m.Name,
		Active:           m.Active,
		ReviewWindowDays: m.ReviewWindowDays,
		CreatedAt:        m.CreatedAt,
		DeactivatedAt:    m.DeactivatedAt,
	}
}

func billingBatchModelFromDomain(b *domain.BillingBatch) *BillingBatchModel {
	if b == nil {
		return nil
	}

	return &BillingBatchModel{
		ID:                    b.ID,
		BusinessID:            b.BusinessID,
		BillingMonth:          b.BillingMonth,
		Status:                b.Status,
		ReviewDeadline:        b.ReviewDeadline,
		PaymentDueDate:        b.PaymentDueDate,
		TotalVerifications:    b.TotalVerifications,
		ApprovedVerifications: b.ApprovedVerifications,
		RejectedVerifications: b.RejectedVerifications,
		TotalCustomerPayments: b.TotalCustomerPayments,
		TotalCommission:       b.TotalCommission,
		TotalStoreCost:        b.TotalStoreCost,
		StoreInvoiceGenerated: b.StoreInvoiceGenerated,
		StorePaymentReceived:  b.StorePaymentReceived,
		CustomerPaymentsSent:  b.CustomerPaymentsSent,
		CreatedAt:             b.CreatedAt,
		CompletedAt:           b.CompletedAt,
	}
}

func billingBatchModelToDomain(m *BillingBatchModel) *domain.BillingBatch {
	if m == nil {
		return nil
	}

	return &domain.BillingBatch{
		ID:                    m.ID,
		BusinessID:            m.BusinessID,
		BillingMonth:          m.BillingMonth.UTC(),
		Status:                m.Status,
		ReviewDeadline:        m.ReviewDeadline,
		PaymentDueDate:        m.PaymentDueDate,
		TotalVerifications:    m.TotalVerifications,
		ApprovedVerifications: m.ApprovedVerifications,
		RejectedVerifications: m.RejectedVerifications,
		TotalCustomerPayments: m.TotalCustomerPayments,
		TotalCommission:       m.TotalCommission,
		TotalStoreCost:        m.TotalStoreCost,
		StoreInvoiceGenerated: m.StoreInvoiceGenerated,
		StorePaymentReceived:  m.StorePaymentReceived,
		CustomerPaymentsSent:  m.CustomerPaymentsSent,
		CreatedAt:             m.CreatedAt,
		CompletedAt:           m.CompletedAt,
	}
}

func verificationModelFromDomain(v *domain.Verification) *VerificationModel {
	if v == nil {
		return nil
	}

	return &VerificationModel{
		ID:               v.ID,
		BusinessID:       v.BusinessID,
		BillingBatchID:   v.BillingBatchID,
		SubmittedAt:      v.SubmittedAt,
		PurchaseTime:     v.PurchaseTime,
		PurchaseAmount:   v.PurchaseAmount,
		CustomerPhone:    v.CustomerPhone,
		FraudScore:       v.FraudScore,
		ReviewStatus:     v.ReviewStatus,
		PaymentAmount:    v.PaymentAmount,
		CommissionAmount: v.CommissionAmount,
		ReviewedAt:       v.ReviewedAt,
		ReviewedBy:       v.ReviewedBy,
		RejectionReason:  v.RejectionReason,
		PaymentBatchID:   v.PaymentBatchID,
		PaidAt:           v.PaidAt,
		PaymentReference: v.PaymentReference,
	}
}

func verificationModelToDomain(m *VerificationModel) *domain.Verification {
	if m == nil {
		return nil
	}

	return &domain.Verification{
		ID:               m.ID,
		BusinessID:       m.BusinessID,
		BillingBatchID:   m.BillingBatchID,
		SubmittedAt:      m.SubmittedAt,
		PurchaseTime:     m.PurchaseTime,
		PurchaseAmount:   m.PurchaseAmount,
		CustomerPhone:    m.CustomerPhone,
		FraudScore:       m.FraudScore,
		ReviewStatus:     m.ReviewStatus,
		PaymentAmount:    m.PaymentAmount,
		CommissionAmount: m.CommissionAmount,
		ReviewedAt:       m.ReviewedAt,
		ReviewedBy:       m.ReviewedBy,
		RejectionReason:  m.RejectionReason,
		PaymentBatchID:   m.PaymentBatchID,
		PaidAt:           m.PaidAt,
		PaymentReference: m.PaymentReference,
	}
}

func paymentBatchModelFromDomain(b *domain.PaymentBatch) (*PaymentBatchModel, error) {
	if b == nil {
		return nil, nil
	}

	paymentErrors := b.Errors
	if paymentErrors == nil {
		paymentErrors = []domain.PaymentError{}
	}
	encoded, err := json.Marshal(paymentErrors)
	if err != nil {
		return nil, err
	}

	return &PaymentBatchModel{
		ID:                 b.ID,
		BatchMonth:         b.BatchMonth,
		TotalPayments:      b.TotalPayments,
		SuccessfulPayments: b.SuccessfulPayments,
		FailedPayments:     b.FailedPayments,
		TotalAmount:        b.TotalAmount,
		Status:             b.Status,
		Errors:             string(encoded),
		CreatedAt:          b.CreatedAt,
		ProcessedAt:        b.ProcessedAt,
	}, nil
}

func paymentBatchModelToDomain(m *PaymentBatchModel) (*domain.PaymentBatch, error) {
	if m == nil {
		return nil, nil
	}

	var paymentErrors []domain.PaymentError
	if m.Errors != "" {
		if err := json.Unmarshal([]byte(m.Errors), &paymentErrors); err != nil {
			return nil, err
		}
	}

	return &domain.PaymentBatch{
		ID:                 m.ID,
		BatchMonth:         m.BatchMonth,
		TotalPayments:      m.TotalPayments,
		SuccessfulPayments: m.SuccessfulPayments,
		FailedPayments:     m.FailedPayments,
		TotalAmount:        m.TotalAmount,
		Status:             m.Status,
		Errors:             paymentErrors,
		CreatedAt:          m.CreatedAt,
		ProcessedAt:        m.ProcessedAt,
	}, nil
}

func paymentItemModelFromDomain(i *domain.PaymentItem) *PaymentItemModel {
	if i == nil {
		return nil
	}

	return &PaymentItemModel{
		ID:                i.ID,
		PaymentBatchID:    i.PaymentBatchID,
		CustomerReference: i.CustomerReference,
		Amount:            i.Amount,
		VerificationCount: i.VerificationCount,
		Status:            i.Status,
		GatewayReference:  i.GatewayReference,
		ErrorMessage:      i.ErrorMessage,
		Retryable:         i.Retryable,
		CreatedAt:         i.CreatedAt,
	}
}

func paymentItemModelToDomain(m *PaymentItemModel) *domain.PaymentItem {
	if m == nil {
		return nil
	}

	return &domain.PaymentItem{
		ID:                m.ID,
		PaymentBatchID:    m.PaymentBatchID,
		CustomerReference: m.CustomerReference,
		Amount:            m.Amount,
		VerificationCount: m.VerificationCount,
		Status:            m.Status,
		GatewayReference:  m.GatewayReference,
		ErrorMessage:      m.ErrorMessage,
		Retryable:         m.Retryable,
		CreatedAt:         m.CreatedAt,
	}
}
