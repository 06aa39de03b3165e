// Package money provides shared amount parsing and formatting.
//
// Amounts are shopspring decimals stored as NUMERIC(20,6). Anything finer than
// six decimal places is rejected rather than silently rounded.
package money

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/ridewallet/internal/apperr"
)

// Places is the storage precision for all amounts.
const Places = 6

// DisplayPlaces is the precision used when formatting for humans.
const DisplayPlaces = 2

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse converts a decimal string (e.g. "12.50") into an amount.
//
// Rules:
//   - Empty or malformed input is rejected
//   - More than six fractional digits is rejected
//   - The sign is preserved; use ParsePositive for movement amounts
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, apperr.New(apperr.CodeInvalidAmount, "amount is required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, apperr.Newf(apperr.CodeInvalidAmount, "malformed amount %q", s)
	}
	if !d.Equal(d.Truncate(Places)) {
		return decimal.Zero, apperr.Newf(apperr.CodeInvalidAmount, "amount %q has more than %d decimal places", s, Places)
	}
	return d, nil
}

// ParsePositive parses s and requires the result to be > 0.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return decimal.Zero, err
	}
	if err := RequirePositive(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// RequirePositive returns InvalidAmount unless d > 0 and fits the storage precision.
func RequirePositive(d decimal.Decimal) error {
	if !d.IsPositive() {
		return apperr.Newf(apperr.CodeInvalidAmount, "amount must be positive, got %s", d.String())
	}
	if !d.Equal(d.Truncate(Places)) {
		return apperr.Newf(apperr.CodeInvalidAmount, "amount %s has more than %d decimal places", d.String(), Places)
	}
	return nil
}

// Format renders d with two decimal places (e.g. "12.50").
func Format(d decimal.Decimal) string {
	return d.StringFixed(DisplayPlaces)
}

// Abs returns |d|.
func Abs(d decimal.Decimal) decimal.Decimal {
	return d.Abs()
}

// MustParse parses s or panics. Intended for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}
