package units

import (
	"math/big"
	"testing"
)

func TestParse_Settlement(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"one unit", "1.00", 1_000_000},
		{"fifty cents", "0.50", 500_000},
		{"hundred", "100", 100_000_000},
		{"smallest unit", "0.000001", 1},
		{"short frac", "1.5", 1_500_000},
		{"leading zeros in whole", "007.50", 7_500_000},
		{"no whole part", ".25", 250_000},
		{"trailing zeros past precision", "1.1234560000", 1_123_456},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseSettlement(tt.input)
			if !ok {
				t.Fatalf("ParseSettlement(%q) returned ok=false", tt.input)
			}
			if got.Int64() != tt.expected {
				t.Errorf("ParseSettlement(%q) = %d, want %d", tt.input, got.Int64(), tt.expected)
			}
		})
	}
}

func TestParse_Native(t *testing.T) {
	got, ok := ParseNative("0.1")
	if !ok {
		t.Fatal("ParseNative returned ok=false")
	}
	want, _ := new(big.Int).SetString("100000000000000000", 10)
	if got.Cmp(want) != 0 {
		t.Errorf("ParseNative(0.1) = %s, want %s", got, want)
	}
}

func TestParse_Invalid(t *testing.T) {
	inputs := []string{"-1", "+1", "1.2.3", "abc", "1e6", " 1", "1.", "1.0000001"}
	for _, in := range inputs {
		if _, ok := ParseSettlement(in); ok {
			t.Errorf("ParseSettlement(%q) should fail", in)
		}
	}
}

func TestParse_EmptyString(t *testing.T) {
	got, ok := Parse("", 6)
	if !ok {
		t.Fatal("Parse(\"\") returned ok=false")
	}
	if got.Sign() != 0 {
		t.Errorf("Parse(\"\") = %s, want 0", got)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		amount   *big.Int
		decimals int
		want     string
	}{
		{nil, 6, "0.000000"},
		{big.NewInt(1), 6, "0.000001"},
		{big.NewInt(1_500_000), 6, "1.500000"},
		{big.NewInt(-2_000_000), 6, "-2.000000"},
		{big.NewInt(42), 0, "42"},
	}
	for _, tt := range tests {
		if got := Format(tt.amount, tt.decimals); got != tt.want {
			t.Errorf("Format(%v, %d) = %q, want %q", tt.amount, tt.decimals, got, tt.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"0.000000", "1.000000", "123456.789012"} {
		v, ok := ParseSettlement(s)
		if !ok {
			t.Fatalf("ParseSettlement(%q) failed", s)
		}
		if got := FormatSettlement(v); got != s {
			t.Errorf("round trip %q -> %q", s, got)
		}
	}
}
