package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BatchStatus is the lifecycle state of a monthly billing batch.
type BatchStatus string

const (
	BatchStatusCollecting        BatchStatus = "collecting"
	BatchStatusReviewPeriod      BatchStatus = "review_period"
	BatchStatusPaymentProcessing BatchStatus = "payment_processing"
	BatchStatusCompleted         BatchStatus = "completed"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	return s.rank() >= 0
}

func (s BatchStatus) rank() int {
	switch s {
	case BatchStatusCollecting:
		return 0
	case BatchStatusReviewPeriod:
		return 1
	case BatchStatusPaymentProcessing:
		return 2
	case BatchStatusCompleted:
		return 3
	}
	return -1
}

// CanAdvanceTo reports whether next is strictly later in the lifecycle.
func (s BatchStatus) CanAdvanceTo(next BatchStatus) bool {
	if !s.IsValid() || !next.IsValid() {
		return false
	}
	return next.rank() > s.rank()
}

// BillingBatch is one business's verifications for one calendar month.
type BillingBatch struct {
	ID                    string
	BusinessID            string
	BillingMonth          time.Time
	Status                BatchStatus
	ReviewDeadline        *time.Time
	PaymentDueDate        time.Time
	TotalVerifications    int
	ApprovedVerifications int
	RejectedVerifications int
	TotalCustomerPayments decimal.Decimal
	TotalCommission       decimal.Decimal
	TotalStoreCost        decimal.Decimal
	StoreInvoiceGenerated bool
	StorePaymentReceived  bool
	CustomerPaymentsSent  bool
	CreatedAt             time.Time
	CompletedAt           *time.Time
}

func (b BillingBatch) Period() Period {
	return PeriodOf(b.BillingMonth)
}

// BatchTotals is the recomputed aggregate of a batch's verifications.
type BatchTotals struct {
	TotalVerifications    int
	ApprovedVerifications int
	RejectedVerifications int
	TotalCustomerPayments decimal.Decimal
	TotalCommission       decimal.Decimal
}

// StoreCost is what the business owes: customer payouts plus commission.
func (t BatchTotals) StoreCost() decimal.Decimal {
	return t.TotalCustomerPayments.Add(t.TotalCommission)
}
