// Package units converts between decimal amount strings and base-unit integers.
//
// The settlement asset uses 6 decimal places (1.50 = 1,500,000 units) and the
// native currency uses 18 (0.1 = 100,000,000,000,000,000 wei). Amounts are
// carried through the engine as *big.Int in base units.
package units

import (
	"math/big"
	"strings"
)

const (
	SettlementDecimals = 6
	NativeDecimals     = 18
)

// Parse converts a decimal string (e.g. "1.50") to base units for the given
// precision. Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Signs, exponents and multiple decimal points are rejected
//   - Non-zero digits beyond the precision are rejected rather than truncated
func Parse(s string, decimals int) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
		if frac == "" {
			return nil, false
		}
	}
	if whole == "" {
		whole = "0"
	}
	if !allDigits(whole) || !allDigits(frac) {
		return nil, false
	}

	if len(frac) > decimals {
		if strings.TrimRight(frac[decimals:], "0") != "" {
			return nil, false
		}
		frac = frac[:decimals]
	}
	frac += strings.Repeat("0", decimals-len(frac))

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// ParseSettlement parses a settlement-asset decimal string.
func ParseSettlement(s string) (*big.Int, bool) { return Parse(s, SettlementDecimals) }

// ParseNative parses a native-currency decimal string.
func ParseNative(s string) (*big.Int, bool) { return Parse(s, NativeDecimals) }

// Format converts base units to a decimal string with exactly `decimals`
// fractional digits (e.g. Format(1500000, 6) = "1.500000").
func Format(amount *big.Int, decimals int) string {
	if amount == nil {
		amount = new(big.Int)
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	if decimals == 0 {
		if neg {
			return "-" + s
		}
		return s
	}
	for len(s) < decimals+1 {
		s = "0" + s
	}
	point := len(s) - decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// FormatSettlement formats settlement-asset base units.
func FormatSettlement(amount *big.Int) string { return Format(amount, SettlementDecimals) }

// FormatNative formats native-currency base units.
func FormatNative(amount *big.Int) string { return Format(amount, NativeDecimals) }

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
