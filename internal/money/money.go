// Package money provides shared fixed-point amount parsing, formatting
// and percentage math.
//
// All amounts are stored as int64 in the smallest unit with 2 decimal
// places (1.00 = 100 units). Percentages are expressed in basis points
// (100 bps = 1%) and applied with half-up rounding, so each fee component
// can be rounded independently of the others.
package money

import (
	"fmt"
	"strings"
)

const Decimals = 2

// Amount is a monetary amount in minor units (2 decimals).
type Amount int64

// Parse converts a decimal string (e.g. "100000.50") to minor units
// (10000050). Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts longer than 2 digits are rejected; shorter ones
//     are padded to 2 decimal places
func Parse(s string) (Amount, bool) {
	if s == "" {
		return 0, true
	}

	if strings.HasPrefix(s, "-") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// A third fractional digit is a sub-unit value we cannot represent.
	// Rejecting beats silently shaving money off the amount.
	if len(frac) > Decimals {
		return 0, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	var v int64
	for _, c := range whole + frac {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + int64(c-'0')
	}
	return Amount(v), true
}

// MustParse is Parse for trusted literals; it panics on invalid input.
func MustParse(s string) Amount {
	a, ok := Parse(s)
	if !ok {
		panic("money: invalid amount literal: " + s)
	}
	return a
}

// FromMajor converts a whole-currency value (e.g. 100000) to minor units.
func FromMajor(v int64) Amount {
	return Amount(v * 100)
}

// Format converts minor units to a decimal string with exactly 2 decimal
// places (e.g. "100000.50").
func Format(a Amount) string {
	neg := a < 0
	if neg {
		a = -a
	}
	s := fmt.Sprintf("%03d", int64(a))
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// String implements fmt.Stringer.
func (a Amount) String() string {
	return Format(a)
}

// MarshalJSON encodes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + Format(a) + `"`), nil
}

// UnmarshalJSON accepts a decimal string or a bare number.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, ok := Parse(s)
	if !ok {
		return fmt.Errorf("money: invalid amount %q", s)
	}
	*a = v
	return nil
}

// Bps applies a basis-point percentage with half-up rounding.
// 10000 bps = 100%.
func (a Amount) Bps(bps int64) Amount {
	v := int64(a) * bps
	if v >= 0 {
		return Amount((v + 5000) / 10000)
	}
	return Amount(-((-v + 5000) / 10000))
}

// Mul multiplies by an integer factor (e.g. nightly price × nights).
func (a Amount) Mul(n int64) Amount {
	return Amount(int64(a) * n)
}
