package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseTerms parses a terms value such as "12.5". Terms must not be negative.
func ParseTerms(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), "%"))
	if value == "" {
		return decimal.Zero, fmt.Errorf("terms are required")
	}
	terms, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse terms %q: %w", value, err)
	}
	if terms.IsNegative() {
		return decimal.Zero, fmt.Errorf("terms must not be negative")
	}
	return terms, nil
}

// ParseOptionalTerms parses value, returning nil for blank input.
func ParseOptionalTerms(value string) (*decimal.Decimal, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	terms, err := ParseTerms(value)
	if err != nil {
		return nil, err
	}
	return &terms, nil
}
