package ratelimit

import "context"

// RateLimiter bounds outbound call throughput per scope, e.g. one payout
// gateway.
type RateLimiter interface {
	Allow(ctx context.Context, scope string) (bool, error)
	Wait(ctx context.Context, scope string) error
}

// Unlimited admits every call. Used when no shared limiter is configured.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }

func (Unlimited) Wait(ctx context.Context, _ string) error {
	return ctx.Err()
}
