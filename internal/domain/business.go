package domain

import "time"

// Business is a merchant collecting verifications.
type Business struct {
	ID               string
	Name             string
	Active           bool
	ReviewWindowDays *int
	CreatedAt        time.Time
	DeactivatedAt    *time.Time
}

// ActiveIn reports whether the business takes part in billing for p.
func (b Business) ActiveIn(p Period) bool {
	if !b.CreatedAt.IsZero() && !b.CreatedAt.Before(p.End()) {
		return false
	}
	if b.DeactivatedAt != nil && b.DeactivatedAt.Before(p.Start()) {
		return false
	}
	return true
}

// ReviewWindow returns the business override if set, else fallback.
func (b Business) ReviewWindow(fallback time.Duration) time.Duration {
	if b.ReviewWindowDays != nil && *b.ReviewWindowDays > 0 {
		return time.Duration(*b.ReviewWindowDays) * 24 * time.Hour
	}
	return fallback
}
