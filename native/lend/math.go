package lend

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	ray         = big.NewInt(1_000_000_000_000_000_000)
)

const secondsPerYear = 31_536_000

// mulDiv computes x*y/d with the requested rounding direction. A true roundUp
// rounds any non-zero remainder away from zero. Inputs are treated as
// non-negative; a nil or zero denominator yields zero.
func mulDiv(x, y, d *big.Int, roundUp bool) *big.Int {
	if x == nil || y == nil || d == nil || d.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(x, y)
	quo, rem := new(big.Int).QuoRem(product, d, new(big.Int))
	if roundUp && rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}

func mulDivDown(x, y, d *big.Int) *big.Int {
	return mulDiv(x, y, d, false)
}

func mulDivUp(x, y, d *big.Int) *big.Int {
	return mulDiv(x, y, d, true)
}

// bpsShare returns amount*bps/10000 rounded down.
func bpsShare(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	return mulDivDown(amount, new(big.Int).SetUint64(bps), basisPoints)
}

// ratToScaled converts a rational into a ray-scaled integer, truncating any
// precision beyond 18 decimals. Nil or negative inputs collapse to zero.
func ratToScaled(r *big.Rat) *big.Int {
	if r == nil || r.Sign() <= 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(ray))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom())
}

// ratMulInt scales an integer amount by a rational rate with the requested
// rounding direction.
func ratMulInt(rate *big.Rat, amount *big.Int, roundUp bool) *big.Int {
	if rate == nil || rate.Sign() <= 0 || amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	value := new(big.Rat).Mul(rate, new(big.Rat).SetInt(amount))
	quo, rem := new(big.Int).QuoRem(value.Num(), value.Denom(), new(big.Int))
	if roundUp && rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}

func ensureBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func clampZero(v *big.Int) *big.Int {
	if v == nil || v.Sign() < 0 {
		return big.NewInt(0)
	}
	return v
}
