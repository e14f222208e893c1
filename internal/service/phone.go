package service

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/settlement-engine/internal/domain"
	"github.com/ttacon/libphonenumber"
)

const defaultPhoneRegion = "SE"

// NormalizePhone formats a customer phone as E.164 so different spellings
// of one number collapse into a single payout.
func NormalizePhone(raw string, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: phone number is empty", domain.ErrValidation)
	}
	region = strings.ToUpper(strings.TrimSpace(region))
	if region == "" {
		region = defaultPhoneRegion
	}

	number, err := libphonenumber.Parse(raw, region)
	if err != nil {
		return "", fmt.Errorf("%w: unparseable phone number: %v", domain.ErrValidation, err)
	}
	if !libphonenumber.IsValidNumber(number) {
		return "", fmt.Errorf("%w: invalid phone number", domain.ErrValidation)
	}
	return libphonenumber.Format(number, libphonenumber.E164), nil
}
