package matching

import "github.com/kursadbilgin/settlement-engine/internal/domain"

// ClaimFromVerification maps a stored verification onto the matcher input.
func ClaimFromVerification(v domain.Verification) Claim {
	return Claim{
		VerificationID: v.ID,
		PurchaseTime:   v.PurchaseTime,
		PurchaseAmount: v.PurchaseAmount,
		FraudScore:     v.FraudScore,
	}
}

func ClaimsFromHistory(history []domain.Verification) []Claim {
	claims := make([]Claim, 0, len(history))
	for _, v := range history {
		claims = append(claims, ClaimFromVerification(v))
	}
	return claims
}
