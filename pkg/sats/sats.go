// Package sats holds the fractional arithmetic used before an amount is
// paid out in whole sats.
package sats

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Share is a fractional sat amount. Derive shares from other shares and
// truncate exactly once, at the point of payment.
type Share struct {
	value decimal.Decimal
}

// Zero is the empty share
var Zero = Share{value: decimal.Zero}

// FromInt creates a Share from a whole amount
func FromInt(n int64) Share {
	return Share{value: decimal.NewFromInt(n)}
}

// FromFloat creates a Share from a float
func FromFloat(f float64) Share {
	return Share{value: decimal.NewFromFloat(f)}
}

// Parse reads a share written by String
func Parse(s string) (Share, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Share{}, fmt.Errorf("invalid share: %w", err)
	}
	return Share{value: d}, nil
}

// Add adds two shares
func (s Share) Add(o Share) Share {
	return Share{value: s.value.Add(o.value)}
}

// Sub subtracts o from s
func (s Share) Sub(o Share) Share {
	return Share{value: s.value.Sub(o.value)}
}

// MulFloat scales a share by a ratio
func (s Share) MulFloat(f float64) Share {
	return Share{value: s.value.Mul(decimal.NewFromFloat(f))}
}

// Portion returns s × part / whole, or Zero when whole is not positive
func (s Share) Portion(part, whole float64) Share {
	if whole <= 0 || part <= 0 {
		return Zero
	}
	return Share{value: s.value.Mul(decimal.NewFromFloat(part)).Div(decimal.NewFromFloat(whole))}
}

// Floor truncates the share to whole sats. Negative shares floor to zero.
func (s Share) Floor() int64 {
	if s.value.IsNegative() {
		return 0
	}
	return s.value.Floor().IntPart()
}

// Round rounds half away from zero
func (s Share) Round() int64 {
	return s.value.Round(0).IntPart()
}

// IsZero reports whether the share is zero
func (s Share) IsZero() bool {
	return s.value.IsZero()
}

// Cmp compares two shares
func (s Share) Cmp(o Share) int {
	return s.value.Cmp(o.value)
}

// Float64 returns the share as a float (loses precision)
func (s Share) Float64() float64 {
	f, _ := s.value.Float64()
	return f
}

// String returns the exact decimal representation
func (s Share) String() string {
	return s.value.String()
}

// RoundMul returns round(amount × f)
func RoundMul(amount int64, f float64) int64 {
	return FromInt(amount).MulFloat(f).Round()
}

// FloorMul returns floor(amount × f)
func FloorMul(amount int64, f float64) int64 {
	return FromInt(amount).MulFloat(f).Floor()
}

// Price scales a base price by a fee multiplier, never going below one sat
func Price(base int64, multiplier float64) int64 {
	p := RoundMul(base, multiplier)
	if p < 1 {
		return 1
	}
	return p
}
