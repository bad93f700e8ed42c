package ratemath

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestNormalizeRoundTrip(t *testing.T) {
	// Normalizer law: normalize(r, hSrc, hDst) * (hSrc/hDst) ≈ r.
	cases := []struct {
		rate       string
		hSrc, hDst int
	}{
		{"0.0001", 8, 1},
		{"0.0004", 4, 24},
		{"-0.00015", 1, 8},
		{"0.0", 8, 24},
		{"0.01", 24, 4},
	}
	for _, c := range cases {
		r := decimal.RequireFromString(c.rate)
		got, err := Normalize(r, c.hSrc, c.hDst)
		if err != nil {
			t.Fatalf("Normalize(%s, %d, %d): %v", c.rate, c.hSrc, c.hDst, err)
		}
		back, err := Normalize(got, c.hDst, c.hSrc)
		if err != nil {
			t.Fatalf("round-trip Normalize: %v", err)
		}
		diff := back.Sub(r).Abs()
		tolerance := decimal.New(1, -12)
		if diff.GreaterThan(tolerance) {
			t.Errorf("round trip mismatch: got %s want %s (diff %s)", back, r, diff)
		}
	}
}

func TestNormalizeSameInterval(t *testing.T) {
	r := decimal.RequireFromString("0.000123")
	got, err := Normalize(r, 8, 8)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !got.Equal(r) {
		t.Errorf("identity normalize changed value: got %s want %s", got, r)
	}
}

func TestNormalizeInvalidInterval(t *testing.T) {
	r := decimal.RequireFromString("0.0001")
	if _, err := Normalize(r, 3, 8); err == nil {
		t.Error("expected error for invalid source interval")
	}
	if _, err := Normalize(r, 8, 12); err == nil {
		t.Error("expected error for invalid target interval")
	}
}

func TestAnnualize(t *testing.T) {
	r := decimal.RequireFromString("0.0001")
	got, err := Annualize(r, 8)
	if err != nil {
		t.Fatalf("Annualize: %v", err)
	}
	want := decimal.RequireFromString("0.1095")
	if !got.Equal(want) {
		t.Errorf("Annualize(0.0001, 8h) = %s, want %s", got, want)
	}
}
