package model

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxAmountCents caps any price or face value at 1,000,000.00.
const MaxAmountCents int64 = 100_000_000

var (
	ErrInvalidAmount  = errors.New("amount must be a decimal with at most two fractional digits")
	ErrAmountTooLarge = errors.New("amount must not exceed 1000000.00")
)

// ParseCents converts a decimal amount such as "19.99" into minor units.
// Amounts with more than two fractional digits are rejected rather than
// rounded, so a listed price is always exactly what the buyer pays.
func ParseCents(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, ErrInvalidAmount
	}
	cents := d.Shift(2)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, ErrInvalidAmount
	}
	if cents.Abs().GreaterThan(decimal.NewFromInt(MaxAmountCents)) {
		return 0, ErrAmountTooLarge
	}
	return cents.IntPart(), nil
}

// FormatCents renders minor units as a fixed two-digit decimal string.
func FormatCents(c int64) string {
	return decimal.New(c, -2).StringFixed(2)
}
