package decimal

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Parse parses a currency amount from its string form
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount: %w", err)
	}
	return d, nil
}

// Sum adds amounts without any float conversion
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// Percent returns part/whole*100 rounded half-up to a whole number.
// A zero whole yields 0.
func Percent(part, whole int) int {
	if whole <= 0 || part <= 0 {
		return 0
	}
	p := decimal.NewFromInt(int64(part)).Mul(hundred).Div(decimal.NewFromInt(int64(whole)))
	// Round is half away from zero, which is half-up for non-negative values
	return int(p.Round(0).IntPart())
}

// Ratio returns whole scaled by ratio, keeping fractional precision
func Ratio(whole int, ratio decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(int64(whole)).Mul(ratio)
}

// Covers reports whether balance can absorb delta without going negative
func Covers(balance, delta decimal.Decimal) bool {
	return !balance.Add(delta).IsNegative()
}
