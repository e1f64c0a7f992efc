package model

import (
	"math"

	"github.com/shopspring/decimal"
)

// Amounts are persisted as integer cents so sums are exact on every backend.

// MaxAmount is the largest magnitude whose cents fit in an int64.
var MaxAmount = decimal.New(math.MaxInt64, -2)

// CentsInRange reports whether d, rounded to cents, fits in an int64.
func CentsInRange(d decimal.Decimal) bool {
	return RoundCents(d).Abs().LessThanOrEqual(MaxAmount)
}

// ToCents converts an amount to minor units, rounding half away from zero.
// Amounts beyond MaxAmount are refused with a ValidationError.
func ToCents(d decimal.Decimal) (int64, error) {
	if !CentsInRange(d) {
		return 0, NewValidationError("amount", "is too large")
	}
	return d.Shift(2).Round(0).IntPart(), nil
}

// FromCents converts minor units back to an amount.
func FromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

// RoundCents rounds an amount to two decimal places.
func RoundCents(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
