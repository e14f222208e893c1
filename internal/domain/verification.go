package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ReviewStatus is the review outcome of a verification.
type ReviewStatus string

const (
	ReviewStatusPending      ReviewStatus = "pending"
	ReviewStatusApproved     ReviewStatus = "approved"
	ReviewStatusRejected     ReviewStatus = "rejected"
	ReviewStatusAutoApproved ReviewStatus = "auto_approved"
)

func (s ReviewStatus) String() string { return string(s) }

func (s ReviewStatus) IsValid() bool {
	switch s {
	case ReviewStatusPending, ReviewStatusApproved, ReviewStatusRejected, ReviewStatusAutoApproved:
		return true
	}
	return false
}

// IsPayable reports whether amounts on a verification in this state count
// towards payouts and batch totals.
func (s ReviewStatus) IsPayable() bool {
	return s == ReviewStatusApproved || s == ReviewStatusAutoApproved
}

// PayableStatuses lists review states whose amounts are settled.
var PayableStatuses = []ReviewStatus{ReviewStatusApproved, ReviewStatusAutoApproved}

// Reviewer markers written by the system. Human reviewers may not use the
// prefix.
const (
	SystemReviewerPrefix    = "system:"
	ReviewerDeadlineSweep   = SystemReviewerPrefix + "deadline-enforcement"
	ReviewerAdminForce      = SystemReviewerPrefix + "admin-force"
	reviewerMaxLength       = 255
	rejectionReasonMaxChars = 1000
)

// ReviewDecision is a human reviewer's verdict.
type ReviewDecision string

const (
	DecisionApprove ReviewDecision = "approve"
	DecisionReject  ReviewDecision = "reject"
)

func ParseReviewDecision(s string) (ReviewDecision, error) {
	d := ReviewDecision(strings.ToLower(strings.TrimSpace(s)))
	switch d {
	case DecisionApprove, DecisionReject:
		return d, nil
	}
	return "", fmt.Errorf("%w: invalid review decision %q", ErrValidation, s)
}

// Status maps the decision onto the stored review status.
func (d ReviewDecision) Status() ReviewStatus {
	if d == DecisionReject {
		return ReviewStatusRejected
	}
	return ReviewStatusApproved
}

// ValidateHumanReviewer rejects empty and system-reserved reviewer ids.
func ValidateHumanReviewer(reviewer string) error {
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return fmt.Errorf("%w: reviewer is required", ErrValidation)
	}
	if strings.HasPrefix(strings.ToLower(reviewer), SystemReviewerPrefix) {
		return fmt.Errorf("%w: reviewer %q uses reserved prefix", ErrValidation, reviewer)
	}
	if len(reviewer) > reviewerMaxLength {
		return fmt.Errorf("%w: reviewer exceeds %d characters", ErrValidation, reviewerMaxLength)
	}
	return nil
}

// ValidateRejectionReason requires a non-empty bounded reason.
func ValidateRejectionReason(reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fmt.Errorf("%w: rejection reason is required", ErrValidation)
	}
	if len([]rune(reason)) > rejectionReasonMaxChars {
		return fmt.Errorf("%w: rejection reason exceeds %d characters", ErrValidation, rejectionReasonMaxChars)
	}
	return nil
}

// Verification is a customer's claim of a purchase plus feedback.
type Verification struct {
	ID               string
	BusinessID       string
	BillingBatchID   *string
	SubmittedAt      time.Time
	PurchaseTime     time.Time
	PurchaseAmount   decimal.Decimal
	CustomerPhone    string
	FraudScore       *float64
	ReviewStatus     ReviewStatus
	PaymentAmount    *decimal.Decimal
	CommissionAmount *decimal.Decimal
	ReviewedAt       *time.Time
	ReviewedBy       *string
	RejectionReason  *string
	PaymentBatchID   *string
	PaidAt           *time.Time
	PaymentReference *string
}

// Payout returns the customer payout amount, zero when not payable.
func (v Verification) Payout() decimal.Decimal {
	if !v.ReviewStatus.IsPayable() || v.PaymentAmount == nil {
		return decimal.Zero
	}
	return *v.PaymentAmount
}

func (v Verification) IsPaid() bool {
	return v.PaidAt != nil
}

// MonthlyPaymentStats is a live view over one month's verifications.
type MonthlyPaymentStats struct {
	BatchMonth            string
	ApprovedVerifications int
	PendingVerifications  int
	PaidVerifications     int
	PaidAmount            decimal.Decimal
	PendingAmount         decimal.Decimal
	UniqueCustomers       int
}
