package lend

import "math/big"

// RateCalculator produces the per-second borrow rate applied during interest
// accrual. Implementations receive the pool utilisation, the seconds elapsed
// since the previous accrual and the prior per-second rate (ray scaled) so
// that time-weighted models can dampen rate movement. The returned rate is
// per second, ray scaled.
type RateCalculator interface {
	Rate(utilisation *big.Rat, elapsed uint64, priorRate *big.Int) *big.Int
}

// KinkedRateModel shapes the borrow rate as a two-slope curve over
// utilisation. Below the kink the rate climbs gently; beyond it the second
// slope takes over to defend remaining liquidity.
type KinkedRateModel struct {
	// BaseRate is the minimum borrow APR applied when utilisation is zero.
	BaseRate *big.Rat
	// Slope1 is the borrow APR increase per unit of utilisation up to the
	// kink point.
	Slope1 *big.Rat
	// Slope2 governs the additional APR increase applied when utilisation
	// exceeds the kink point.
	Slope2 *big.Rat
	// Kink represents the utilisation ratio where the slope changes.
	Kink *big.Rat
}

// Clone returns a deep copy of the rate model.
func (m *KinkedRateModel) Clone() *KinkedRateModel {
	if m == nil {
		return nil
	}
	clone := &KinkedRateModel{
		BaseRate: new(big.Rat),
		Slope1:   new(big.Rat),
		Slope2:   new(big.Rat),
		Kink:     new(big.Rat),
	}
	if m.BaseRate != nil {
		clone.BaseRate.Set(m.BaseRate)
	}
	if m.Slope1 != nil {
		clone.Slope1.Set(m.Slope1)
	}
	if m.Slope2 != nil {
		clone.Slope2.Set(m.Slope2)
	}
	if m.Kink != nil {
		clone.Kink.Set(m.Kink)
	}
	return clone
}

// NewKinkedRateModel constructs a rate model from floating point inputs.
//
// The parameters should be provided as decimals, e.g. a 2% base rate is
// expressed as 0.02 and an 80% kink utilisation is 0.8.
func NewKinkedRateModel(baseRate, slope1, slope2, kink float64) *KinkedRateModel {
	model := &KinkedRateModel{
		BaseRate: new(big.Rat),
		Slope1:   new(big.Rat),
		Slope2:   new(big.Rat),
		Kink:     new(big.Rat),
	}
	model.BaseRate.SetFloat64(baseRate)
	model.Slope1.SetFloat64(slope1)
	model.Slope2.SetFloat64(slope2)
	model.Kink.SetFloat64(kink)
	return model
}

// BorrowAPR derives the annual borrow rate for the given utilisation.
func (m *KinkedRateModel) BorrowAPR(utilisation *big.Rat) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	rate := cloneRat(m.BaseRate)
	if utilisation == nil || utilisation.Sign() == 0 {
		return rate
	}

	kink := cloneRat(m.Kink)
	slope1 := cloneRat(m.Slope1)
	slope2 := cloneRat(m.Slope2)
	if kink.Sign() == 0 || utilisation.Cmp(kink) <= 0 {
		// Linear region before the kink.
		return rate.Add(rate, new(big.Rat).Mul(slope1, utilisation))
	}

	// Rate at the kink using slope1.
	rate.Add(rate, new(big.Rat).Mul(slope1, kink))

	// Additional rate beyond the kink using slope2.
	excess := new(big.Rat).Sub(utilisation, kink)
	if excess.Sign() < 0 {
		excess.SetInt64(0)
	}
	return rate.Add(rate, new(big.Rat).Mul(slope2, excess))
}

// Rate converts the annual curve into the per-second rate the accrual loop
// consumes. The elapsed window and prior rate are ignored: the kinked curve is
// memoryless.
func (m *KinkedRateModel) Rate(utilisation *big.Rat, elapsed uint64, priorRate *big.Int) *big.Int {
	apr := m.BorrowAPR(utilisation)
	if apr.Sign() <= 0 {
		return big.NewInt(0)
	}
	perSecond := new(big.Rat).Quo(apr, new(big.Rat).SetUint64(secondsPerYear))
	return ratToScaled(perSecond)
}

// Utilisation computes the pool utilisation ratio U = totalBorrowed /
// totalSupplied. When no liquidity exists the utilisation is defined as zero.
func Utilisation(totalBorrowed, totalSupplied *big.Int) *big.Rat {
	if totalBorrowed == nil || totalBorrowed.Sign() == 0 {
		return new(big.Rat)
	}
	if totalSupplied == nil || totalSupplied.Sign() == 0 {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(totalBorrowed, totalSupplied)
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}

// DefaultRateModel provides a reasonable starting configuration featuring a
// kinked rate curve with a modest base rate.
var DefaultRateModel = NewKinkedRateModel(0.02, 0.15, 0.6, 0.8)
