package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentBatchStatus is the state of a monthly settlement run.
type PaymentBatchStatus string

const (
	PaymentBatchStatusPending    PaymentBatchStatus = "pending"
	PaymentBatchStatusProcessing PaymentBatchStatus = "processing"
	PaymentBatchStatusCompleted  PaymentBatchStatus = "completed"
	PaymentBatchStatusFailed     PaymentBatchStatus = "failed"
)

func (s PaymentBatchStatus) String() string { return string(s) }

// Blocking reports whether a batch in this state prevents a new run for
// the same month.
func (s PaymentBatchStatus) Blocking() bool {
	return s == PaymentBatchStatusProcessing || s == PaymentBatchStatusCompleted
}

// PaymentError is one failed customer payout.
type PaymentError struct {
	CustomerReference string `json:"customerReference"`
	Reason            string `json:"reason"`
	// Retryable marks failures a later run may settle, such as gateway
	// timeouts or 5xx responses.
	Retryable bool `json:"retryable"`
}

// PaymentBatch is one settlement run across all businesses for a month.
type PaymentBatch struct {
	ID                 string
	BatchMonth         string
	TotalPayments      int
	SuccessfulPayments int
	FailedPayments     int
	TotalAmount        decimal.Decimal
	Status             PaymentBatchStatus
	Errors             []PaymentError
	CreatedAt          time.Time
	ProcessedAt        *time.Time
}

// HasFailures reports a completed-with-errors run.
func (b PaymentBatch) HasFailures() bool {
	return len(b.Errors) > 0
}

// PaymentItemStatus is the outcome of one payout.
type PaymentItemStatus string

const (
	PaymentItemPaid   PaymentItemStatus = "paid"
	PaymentItemFailed PaymentItemStatus = "failed"
)

// PaymentItem records one customer payout attempt within a run.
type PaymentItem struct {
	ID                string
	PaymentBatchID    string
	CustomerReference string
	Amount            decimal.Decimal
	VerificationCount int
	Status            PaymentItemStatus
	GatewayReference  *string
	ErrorMessage      *string
	Retryable         bool
	CreatedAt         time.Time
}
