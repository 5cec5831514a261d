package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ParseAmount converts a human decimal amount ("12.5") into base units using
// the given number of decimals. Fractions finer than one base unit are rejected.
func ParseAmount(s string, decimals int32) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %q has more than %d decimals", s, decimals)
	}
	if !scaled.IsPositive() {
		return 0, fmt.Errorf("amount %q must be positive", s)
	}
	return scaled.IntPart(), nil
}

// FormatAmount renders base units as a decimal string
func FormatAmount(units int64, decimals int32) string {
	return decimal.New(units, -decimals).StringFixed(decimals)
}
