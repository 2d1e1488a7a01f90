// Package usdc converts between decimal price strings and integer minor units.
//
// Quoted prices travel as decimal strings ("0.05"); escrow amounts, bonds and
// custody balances are int64 minor units with 6 decimal places
// (1 USDC = 1,000,000 units).
package usdc

import (
	"errors"
	"math"
	"math/big"
	"strings"
)

const Decimals = 6

// ErrInvalidAmount is returned for malformed or out-of-range decimal amounts.
var ErrInvalidAmount = errors.New("usdc: invalid amount")

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	if whole == "" {
		whole = "0"
	}
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// ParseMinor parses a decimal string into int64 minor units.
func ParseMinor(s string) (int64, error) {
	v, ok := Parse(s)
	if !ok || !v.IsInt64() {
		return 0, ErrInvalidAmount
	}
	return v.Int64(), nil
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// FormatMinor formats int64 minor units as a 6-decimal string.
func FormatMinor(units int64) string {
	return Format(big.NewInt(units))
}

// ToFloat returns the major-unit value of a decimal string, for comparisons
// against float thresholds such as a client's max price.
func ToFloat(s string) (float64, error) {
	v, err := ParseMinor(s)
	if err != nil {
		return 0, err
	}
	return float64(v) / math.Pow10(Decimals), nil
}
