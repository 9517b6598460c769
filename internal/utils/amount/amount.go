package amount

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToUnits renders d in the token's smallest unit, truncating anything
// below one unit.
func ToUnits(d decimal.Decimal, decimals int32) *big.Int {
	return d.Shift(decimals).Truncate(0).BigInt()
}

// FromUnits converts a smallest-unit integer to a decimal amount.
func FromUnits(x *big.Int, decimals int32) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x, -decimals)
}

// ParseUnits parses a base-10 smallest-unit integer, as aggregator and
// exchange APIs return amounts.
func ParseUnits(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	x, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer amount: %q", s)
	}
	return x, nil
}
