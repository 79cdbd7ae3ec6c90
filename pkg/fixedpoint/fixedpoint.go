// Package fixedpoint converts between human decimal prices and the integer
// encodings the exchange contracts expect (value × 10^decimals).
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// BpsDenominator: 10000 bps = 100%
	BpsDenominator = 10000

	// USDDecimals is the protocol-wide precision for USD amounts (sizeDeltaUsd etc.)
	USDDecimals int32 = 30

	// MaxDecimals bounds the exponent accepted by Encode/Decode
	MaxDecimals int32 = 77
)

var (
	ErrNegativeValue   = errors.New("fixedpoint: negative value")
	ErrInvalidDecimals = errors.New("fixedpoint: decimals out of range")
)

// Encode returns round(v × 10^decimals), rounding half away from zero.
func Encode(v decimal.Decimal, decimals int32) (*big.Int, error) {
	if decimals < 0 || decimals > MaxDecimals {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDecimals, decimals)
	}
	if v.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ErrNegativeValue, v.String())
	}
	return v.Shift(decimals).Round(0).BigInt(), nil
}

// MustEncode panics on invalid input. Only for constants and tests.
func MustEncode(v decimal.Decimal, decimals int32) *big.Int {
	out, err := Encode(v, decimals)
	if err != nil {
		panic(err)
	}
	return out
}

// Decode is the inverse of Encode: v / 10^decimals.
// Decode(Encode(p, d), d) == p whenever p has at most d fractional digits.
func Decode(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// ApplyBps returns v × (10000 ± bps) / 10000, truncated toward zero.
// up=true widens the value, up=false narrows it.
func ApplyBps(v *big.Int, bps int64, up bool) *big.Int {
	factor := int64(BpsDenominator)
	if up {
		factor += bps
	} else {
		factor -= bps
	}
	out := new(big.Int).Mul(v, big.NewInt(factor))
	return out.Quo(out, big.NewInt(BpsDenominator))
}

// Pow10 returns 10^n as a big.Int
func Pow10(n int32) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
