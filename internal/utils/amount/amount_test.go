package amount

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func TestToUnits(t *testing.T) {
	cases := []struct {
		in       string
		decimals int32
		want     string
	}{
		{"1000.00", 6, "1000000000"},
		{"999.50", 6, "999500000"},
		{"0.319", 18, "319000000000000000"},
		{"0.0000001", 6, "0"},
		{"1.9999999", 6, "1999999"},
	}
	for _, c := range cases {
		got := ToUnits(decimal.RequireFromString(c.in), c.decimals)
		if got.String() != c.want {
			t.Fatalf("ToUnits(%s, %d) = %s, want %s", c.in, c.decimals, got, c.want)
		}
	}
}

func TestFromUnits(t *testing.T) {
	x, _ := new(big.Int).SetString("319000000000000000", 10)
	got := FromUnits(x, 18)
	if !got.Equal(decimal.RequireFromString("0.319")) {
		t.Fatalf("FromUnits = %s, want 0.319", got)
	}

	if !FromUnits(nil, 6).IsZero() {
		t.Fatal("FromUnits(nil) should be zero")
	}
}

func TestRoundTrip(t *testing.T) {
	d := decimal.RequireFromString("999.5")
	if back := FromUnits(ToUnits(d, 6), 6); !back.Equal(d) {
		t.Fatalf("round trip = %s, want %s", back, d)
	}
}

func TestParseUnits(t *testing.T) {
	x, err := ParseUnits("1999999")
	if err != nil {
		t.Fatalf("ParseUnits error: %v", err)
	}
	if x.Int64() != 1999999 {
		t.Fatalf("ParseUnits = %d, want 1999999", x.Int64())
	}

	if x, err := ParseUnits(""); err != nil || x.Sign() != 0 {
		t.Fatalf("ParseUnits(\"\") = %v, %v, want 0, nil", x, err)
	}

	if _, err := ParseUnits("0x10"); err == nil {
		t.Fatal("expected error for non-decimal input")
	}
}
