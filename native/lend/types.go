package lend

import (
	"math/big"

	"taolend/crypto"
)

// PairState captures the global accounting and control state for a single
// lending pair. Amount values are denominated in base token units and
// expressed as big integers to match ledger precision.
type PairState struct {
	// Owner is the account holding the top tier of the pair's permission
	// hierarchy.
	Owner crypto.Address
	// TotalAsset pools the lendable token: deposits plus accrued interest
	// against outstanding supply shares.
	TotalAsset *VaultAccount
	// TotalBorrow pools the outstanding debt: borrowed principal plus accrued
	// interest against outstanding borrow shares.
	TotalBorrow *VaultAccount
	// TotalCollateral is the aggregate collateral token held by the pair.
	TotalCollateral *big.Int
	// LastAccrual records the unix timestamp when interest was last applied.
	LastAccrual uint64
	// CurrentRate is the most recent per-second borrow rate, ray scaled. It is
	// fed back to the rate model as the prior rate on the next accrual.
	CurrentRate *big.Int
	// OracleSource names the registered price feed consulted for solvency
	// checks.
	OracleSource string
	// RateSource names the registered rate model consulted during accrual.
	RateSource string
	// MaxLTVRevoked permanently disables the max LTV setter once raised.
	MaxLTVRevoked bool
	// Access holds the per-category pause and revocation switches.
	Access AccessControls
	// Params groups the governance controlled risk limits.
	Params RiskParameters
}

// Clone returns a deep copy of the pair state.
func (p *PairState) Clone() *PairState {
	if p == nil {
		return nil
	}
	clone := &PairState{
		Owner:         p.Owner,
		LastAccrual:   p.LastAccrual,
		OracleSource:  p.OracleSource,
		RateSource:    p.RateSource,
		MaxLTVRevoked: p.MaxLTVRevoked,
		Access:        p.Access,
		Params:        p.Params.Clone(),
	}
	clone.TotalAsset = p.TotalAsset.Clone()
	clone.TotalBorrow = p.TotalBorrow.Clone()
	if p.TotalCollateral != nil {
		clone.TotalCollateral = new(big.Int).Set(p.TotalCollateral)
	}
	if p.CurrentRate != nil {
		clone.CurrentRate = new(big.Int).Set(p.CurrentRate)
	}
	return clone
}

func (p *PairState) normalise() {
	if p.TotalAsset == nil {
		p.TotalAsset = NewVaultAccount()
	} else {
		p.TotalAsset.normalise()
	}
	if p.TotalBorrow == nil {
		p.TotalBorrow = NewVaultAccount()
	} else {
		p.TotalBorrow.normalise()
	}
	if p.TotalCollateral == nil {
		p.TotalCollateral = big.NewInt(0)
	}
	if p.CurrentRate == nil {
		p.CurrentRate = big.NewInt(0)
	}
}

// UserPosition maintains the lending position for an individual participant.
type UserPosition struct {
	// Address is the unique account identifier within the pair.
	Address crypto.Address
	// SupplyShares is the account's claim against the asset pool.
	SupplyShares *big.Int
	// BorrowShares is the account's share of the outstanding debt pool.
	BorrowShares *big.Int
	// Collateral records the collateral token amount pledged by the account.
	Collateral *big.Int
}

// Clone returns a deep copy of the position.
func (u *UserPosition) Clone() *UserPosition {
	if u == nil {
		return nil
	}
	clone := &UserPosition{Address: u.Address}
	if u.SupplyShares != nil {
		clone.SupplyShares = new(big.Int).Set(u.SupplyShares)
	}
	if u.BorrowShares != nil {
		clone.BorrowShares = new(big.Int).Set(u.BorrowShares)
	}
	if u.Collateral != nil {
		clone.Collateral = new(big.Int).Set(u.Collateral)
	}
	return clone
}

func (u *UserPosition) normalise() {
	if u.SupplyShares == nil {
		u.SupplyShares = big.NewInt(0)
	}
	if u.BorrowShares == nil {
		u.BorrowShares = big.NewInt(0)
	}
	if u.Collateral == nil {
		u.Collateral = big.NewInt(0)
	}
}

// FeeAccrual tracks protocol revenue held in pair custody until withdrawn.
// Accrued interest flows entirely to suppliers, so the only revenue source is
// the protocol slice of liquidation premiums, denominated in collateral.
type FeeAccrual struct {
	// CollateralFees is revenue seized during liquidations.
	CollateralFees *big.Int
}

// Clone returns a deep copy of the fee accrual record.
func (f *FeeAccrual) Clone() *FeeAccrual {
	if f == nil {
		return nil
	}
	clone := &FeeAccrual{}
	if f.CollateralFees != nil {
		clone.CollateralFees = new(big.Int).Set(f.CollateralFees)
	}
	return clone
}

func (f *FeeAccrual) normalise() {
	if f.CollateralFees == nil {
		f.CollateralFees = big.NewInt(0)
	}
}

// PriceRecord remembers the last oracle reading accepted by the engine. New
// readings are compared against it when enforcing the deviation bound.
type PriceRecord struct {
	// Rate is collateral token units per asset token unit.
	Rate *big.Rat
	// UpdatedAt is the unix timestamp of the accepted reading.
	UpdatedAt int64
}

// Clone returns a deep copy of the record.
func (r *PriceRecord) Clone() *PriceRecord {
	if r == nil {
		return nil
	}
	clone := &PriceRecord{UpdatedAt: r.UpdatedAt}
	if r.Rate != nil {
		clone.Rate = new(big.Rat).Set(r.Rate)
	}
	return clone
}
