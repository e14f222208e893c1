package domain

// FraudTier is a coarse bucket over a fraud score in [0,1].
type FraudTier string

const (
	FraudTierLow      FraudTier = "low"
	FraudTierMedium   FraudTier = "medium"
	FraudTierHigh     FraudTier = "high"
	FraudTierUnscored FraudTier = "unscored"
)

const (
	FraudMediumThreshold = 0.3
	FraudHighThreshold   = 0.7
)

func (t FraudTier) String() string { return string(t) }

// FraudTierFor maps a score to its tier. Lower bounds are inclusive.
func FraudTierFor(score float64) FraudTier {
	switch {
	case score >= FraudHighThreshold:
		return FraudTierHigh
	case score >= FraudMediumThreshold:
		return FraudTierMedium
	default:
		return FraudTierLow
	}
}

// FraudTierOf handles verifications that were never scored.
func FraudTierOf(score *float64) FraudTier {
	if score == nil {
		return FraudTierUnscored
	}
	return FraudTierFor(*score)
}
