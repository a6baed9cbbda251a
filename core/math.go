package core

import (
	"fmt"
	"math/big"
)

// OneHundredPercent is the basis-point scale used for every fee and
// percentage in the protocol: 1% == 1_000.
const OneHundredPercent uint64 = 100_000

// MulDivDown returns floor(x*y/denom). The intermediate product is exact
// (math/big), so there is no overflow to guard. Panics if denom is zero;
// callers validate prices and scales before dividing by them.
func MulDivDown(x, y, denom *big.Int) *big.Int {
	if denom.Sign() == 0 {
		panic("core.MulDivDown: division by zero")
	}
	p := new(big.Int).Mul(x, y)
	return p.Quo(p, denom)
}

// MulDivUp returns ceil(x*y/denom). Panics if denom is zero.
func MulDivUp(x, y, denom *big.Int) *big.Int {
	if denom.Sign() == 0 {
		panic("core.MulDivUp: division by zero")
	}
	p := new(big.Int).Mul(x, y)
	q, r := new(big.Int).QuoRem(p, denom, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// PercentOfDown returns floor(amount*rate/OneHundredPercent).
func PercentOfDown(amount *big.Int, rate uint64) *big.Int {
	return MulDivDown(amount, new(big.Int).SetUint64(rate), new(big.Int).SetUint64(OneHundredPercent))
}

// PercentOfUp returns ceil(amount*rate/OneHundredPercent).
func PercentOfUp(amount *big.Int, rate uint64) *big.Int {
	return MulDivUp(amount, new(big.Int).SetUint64(rate), new(big.Int).SetUint64(OneHundredPercent))
}

// TokenScale returns 10^decimals as a big.Int.
func TokenScale(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// RequirePositive validates that amount is a non-nil, strictly positive
// integer, returning ErrInvalidParam otherwise.
func RequirePositive(name string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidParam, name)
	}
	return nil
}

// Clone returns a defensive copy of v, treating nil as zero. Settlement
// records hand out big.Ints to callers; aliasing internal state would let
// a caller mutate capacity accounting from outside.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
