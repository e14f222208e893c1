// Package matching scores customer purchase claims against point-of-sale
// transactions. Everything here is a pure function of its inputs.
package matching

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Reason codes, listed in evaluation order.
const (
	ReasonTimeOutsideTolerance   = "time_outside_tolerance"
	ReasonAmountOutsideTolerance = "amount_outside_tolerance"
	ReasonNoCandidate            = "no_candidate_transaction"
)

// A difference this many tolerances wide or more contributes no further
// penalty to confidence.
const maxPenaltyRatio = 2.0

// Tolerance bounds how far a claim may drift from the transaction.
type Tolerance struct {
	MaxTimeSeconds float64
	MaxAmountDelta decimal.Decimal
}

// DefaultTolerance is two minutes and two kronor.
var DefaultTolerance = Tolerance{
	MaxTimeSeconds: 120,
	MaxAmountDelta: decimal.NewFromInt(2),
}

// Claim is the matcher's view of a verification.
type Claim struct {
	VerificationID string
	PurchaseTime   time.Time
	PurchaseAmount decimal.Decimal
	FraudScore     *float64
}

// Transaction is a candidate point-of-sale record.
type Transaction struct {
	ID     string          `json:"id"`
	Time   time.Time       `json:"time"`
	Amount decimal.Decimal `json:"amount"`
}

type ToleranceChecks struct {
	TimeWithinTolerance   bool            `json:"timeWithinTolerance"`
	AmountWithinTolerance bool            `json:"amountWithinTolerance"`
	TimeDifferenceSeconds float64         `json:"timeDifferenceSeconds"`
	AmountDifference      decimal.Decimal `json:"amountDifference"`
}

// MatchResult is the verdict for one claim/transaction pair.
type MatchResult struct {
	VerificationID  string          `json:"verificationId"`
	TransactionID   string          `json:"transactionId,omitempty"`
	Verified        bool            `json:"verified"`
	Confidence      float64         `json:"confidence"`
	Reasons         []string        `json:"reasons"`
	ToleranceChecks ToleranceChecks `json:"toleranceChecks"`
}

// EvaluateMatch compares a claim with one transaction.
func EvaluateMatch(claim Claim, tx Transaction, tolerance Tolerance) MatchResult {
	timeDiff := math.Abs(claim.PurchaseTime.Sub(tx.Time).Seconds())
	amountDiff := claim.PurchaseAmount.Sub(tx.Amount).Abs()

	checks := ToleranceChecks{
		TimeWithinTolerance:   timeDiff <= tolerance.MaxTimeSeconds,
		AmountWithinTolerance: amountDiff.LessThanOrEqual(tolerance.MaxAmountDelta),
		TimeDifferenceSeconds: timeDiff,
		AmountDifference:      amountDiff,
	}

	reasons := make([]string, 0, 2)
	if !checks.TimeWithinTolerance {
		reasons = append(reasons, ReasonTimeOutsideTolerance)
	}
	if !checks.AmountWithinTolerance {
		reasons = append(reasons, ReasonAmountOutsideTolerance)
	}

	return MatchResult{
		VerificationID:  claim.VerificationID,
		TransactionID:   tx.ID,
		Verified:        checks.TimeWithinTolerance && checks.AmountWithinTolerance,
		Confidence:      confidence(timeDiff, amountDiff, tolerance),
		Reasons:         reasons,
		ToleranceChecks: checks,
	}
}

// confidence falls linearly with each difference measured in tolerances,
// reaching zero when both are maxPenaltyRatio tolerances off.
func confidence(timeDiff float64, amountDiff decimal.Decimal, tolerance Tolerance) float64 {
	timeRatio := penaltyRatio(timeDiff, tolerance.MaxTimeSeconds)
	amount, _ := amountDiff.Float64()
	maxAmount, _ := tolerance.MaxAmountDelta.Float64()
	amountRatio := penaltyRatio(amount, maxAmount)

	return clamp01(1 - (timeRatio+amountRatio)/(2*maxPenaltyRatio))
}

func penaltyRatio(diff, limit float64) float64 {
	if limit <= 0 {
		if diff <= 0 {
			return 0
		}
		return maxPenaltyRatio
	}
	return math.Min(diff/limit, maxPenaltyRatio)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// NearestTransaction picks the candidate closest in time to the claim.
// Ties keep the earlier candidate in the slice.
func NearestTransaction(claim Claim, candidates []Transaction) (Transaction, bool) {
	if len(candidates) == 0 {
		return Transaction{}, false
	}

	best := 0
	bestDiff := math.Abs(claim.PurchaseTime.Sub(candidates[0].Time).Seconds())
	for i := 1; i < len(candidates); i++ {
		diff := math.Abs(claim.PurchaseTime.Sub(candidates[i].Time).Seconds())
		if diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	return candidates[best], true
}

// Unmatched is the verdict for a claim with no candidate transaction. Both
// tolerance checks count as failed.
func Unmatched(claim Claim) MatchResult {
	return MatchResult{
		VerificationID: claim.VerificationID,
		Reasons:        []string{ReasonNoCandidate},
	}
}
