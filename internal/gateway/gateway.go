package gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

// PayoutGateway is the outbound payout port. Submission is at-least-once
// from the caller's view; IdempotencyKey lets the gateway collapse repeats.
type PayoutGateway interface {
	SubmitPayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
	TestConnection(ctx context.Context) bool
}

// PayoutRequest pays Amount to the customer identified by an E.164 phone.
type PayoutRequest struct {
	CustomerReference string
	Amount            decimal.Decimal
	Message           string
	IdempotencyKey    string
}

// PayoutResult stores gateway call metadata for audit and persistence.
type PayoutResult struct {
	StatusCode int
	Reference  string
	Status     string
}
