package lend

import "math/big"

// RiskParameters groups the governance controlled safety limits for the pair.
// Fee and ratio values are expressed in basis points for deterministic
// accounting.
type RiskParameters struct {
	// MaxLTVBps is the highest loan-to-value ratio a position may reach
	// through its own actions, in basis points.
	MaxLTVBps uint64
	// CleanLiquidationFeeBps is the premium paid on seized collateral when
	// the position can cover its debt in full.
	CleanLiquidationFeeBps uint64
	// DirtyLiquidationFeeBps is the reduced premium applied when collateral
	// has fallen below the dirty threshold.
	DirtyLiquidationFeeBps uint64
	// ProtocolLiquidationFeeBps is the slice of the liquidation premium routed
	// to protocol fees instead of the liquidator.
	ProtocolLiquidationFeeBps uint64
	// DirtyThresholdBps sets the collateral-to-debt ratio below which a
	// liquidation is classified dirty. 10000 means collateral below the face
	// value of the debt.
	DirtyThresholdBps uint64
	// MaxOracleDeviationBps bounds how far a fresh oracle reading may move
	// from the last accepted one. Zero disables the gate.
	MaxOracleDeviationBps uint64
	// MaxPriceAgeSeconds bounds the age of an oracle reading before it is
	// considered stale.
	MaxPriceAgeSeconds uint64
	// DepositLimit caps the asset pool total. Nil means unbounded.
	DepositLimit *big.Int
	// BorrowLimit caps the borrow pool total. Nil means unbounded.
	BorrowLimit *big.Int
}

// Clone returns a deep copy of the parameters.
func (p RiskParameters) Clone() RiskParameters {
	clone := RiskParameters{
		MaxLTVBps:                 p.MaxLTVBps,
		CleanLiquidationFeeBps:    p.CleanLiquidationFeeBps,
		DirtyLiquidationFeeBps:    p.DirtyLiquidationFeeBps,
		ProtocolLiquidationFeeBps: p.ProtocolLiquidationFeeBps,
		DirtyThresholdBps:         p.DirtyThresholdBps,
		MaxOracleDeviationBps:     p.MaxOracleDeviationBps,
		MaxPriceAgeSeconds:        p.MaxPriceAgeSeconds,
	}
	if p.DepositLimit != nil {
		clone.DepositLimit = new(big.Int).Set(p.DepositLimit)
	}
	if p.BorrowLimit != nil {
		clone.BorrowLimit = new(big.Int).Set(p.BorrowLimit)
	}
	return clone
}

// Validate rejects parameter combinations the engine cannot operate under.
func (p RiskParameters) Validate() error {
	if p.MaxLTVBps == 0 || p.MaxLTVBps >= 10_000 {
		return ErrInvalidParams
	}
	if p.CleanLiquidationFeeBps >= 10_000 || p.DirtyLiquidationFeeBps >= 10_000 {
		return ErrInvalidParams
	}
	if p.ProtocolLiquidationFeeBps > 10_000 {
		return ErrInvalidParams
	}
	if p.DirtyThresholdBps == 0 || p.DirtyThresholdBps > 10_000 {
		return ErrInvalidParams
	}
	if p.DepositLimit != nil && p.DepositLimit.Sign() < 0 {
		return ErrInvalidParams
	}
	if p.BorrowLimit != nil && p.BorrowLimit.Sign() < 0 {
		return ErrInvalidParams
	}
	return nil
}

// DefaultRiskParameters returns the parameter set used when genesis supplies
// none.
func DefaultRiskParameters() RiskParameters {
	return RiskParameters{
		MaxLTVBps:                 7_500,
		CleanLiquidationFeeBps:    1_000,
		DirtyLiquidationFeeBps:    900,
		ProtocolLiquidationFeeBps: 1_000,
		DirtyThresholdBps:         10_000,
		MaxOracleDeviationBps:     500,
		MaxPriceAgeSeconds:        3_600,
	}
}
