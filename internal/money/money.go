// Package money provides fixed-point amount handling for the ledger.
//
// All balances, prices, and fees are decimal.Decimal with two-place
// scale. Floating point never touches a money path.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount  = errors.New("money: invalid amount")
	ErrNegativeAmount = errors.New("money: amount must not be negative")
)

// Scale is the number of decimal places carried by every amount.
const Scale = 2

var hundred = decimal.NewFromInt(100)

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse converts a decimal string ("100000.00") into an amount.
// Negative amounts are rejected; callers that need signed deltas
// work with decimal.Decimal directly.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrNegativeAmount, s)
	}
	return d.Round(Scale), nil
}

// MustParse is Parse for constants in tests and seed data.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Fee computes the platform fee for amount at the given percentage,
// rounded half-up to two places. The result is snapshotted onto the
// escrow lock at creation; later percentage changes never touch it.
func Fee(amount, percent decimal.Decimal) decimal.Decimal {
	// decimal.Round is half-away-from-zero, which is half-up for the
	// non-negative amounts the ledger allows.
	return amount.Mul(percent).Div(hundred).Round(Scale)
}

// Format renders an amount with exactly two decimal places.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}

// IsPositive reports whether d is strictly greater than zero.
func IsPositive(d decimal.Decimal) bool {
	return d.Sign() > 0
}
