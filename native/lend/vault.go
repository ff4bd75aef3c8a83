package lend

import "math/big"

// VaultAccount tracks one side of the pair ledger as a claim pool: Amount is
// the total of the underlying token attributed to the pool and Shares is the
// total of outstanding claims against it. The asset pool grows its Amount as
// interest accrues, the borrow pool grows its Amount as debt compounds, and in
// both cases Shares stays fixed so every holder's claim appreciates pro rata.
type VaultAccount struct {
	// Amount is the underlying token total, denominated in base units.
	Amount *big.Int
	// Shares is the total of claims issued against Amount.
	Shares *big.Int
}

// NewVaultAccount returns an empty pool with zeroed totals.
func NewVaultAccount() *VaultAccount {
	return &VaultAccount{Amount: big.NewInt(0), Shares: big.NewInt(0)}
}

// Clone returns a deep copy of the pool totals.
func (v *VaultAccount) Clone() *VaultAccount {
	if v == nil {
		return nil
	}
	clone := &VaultAccount{}
	if v.Amount != nil {
		clone.Amount = new(big.Int).Set(v.Amount)
	}
	if v.Shares != nil {
		clone.Shares = new(big.Int).Set(v.Shares)
	}
	return clone
}

func (v *VaultAccount) normalise() {
	if v.Amount == nil {
		v.Amount = big.NewInt(0)
	}
	if v.Shares == nil {
		v.Shares = big.NewInt(0)
	}
}

// ToShares converts an underlying amount into the claim it represents at the
// current exchange rate. While the pool is empty on either leg the rate is
// one-to-one. roundUp selects the rounding direction; callers pick the
// direction that favours the pool for the operation at hand.
func (v *VaultAccount) ToShares(amount *big.Int, roundUp bool) *big.Int {
	if v == nil || amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	total := ensureBigInt(v.Amount)
	shares := ensureBigInt(v.Shares)
	if total.Sign() == 0 || shares.Sign() == 0 {
		return new(big.Int).Set(amount)
	}
	return mulDiv(amount, shares, total, roundUp)
}

// ToAmount converts a claim back into the underlying amount it redeems for at
// the current exchange rate. An empty pool values every claim at zero.
func (v *VaultAccount) ToAmount(shares *big.Int, roundUp bool) *big.Int {
	if v == nil || shares == nil || shares.Sign() <= 0 {
		return big.NewInt(0)
	}
	total := ensureBigInt(v.Amount)
	outstanding := ensureBigInt(v.Shares)
	if outstanding.Sign() == 0 {
		return big.NewInt(0)
	}
	return mulDiv(shares, total, outstanding, roundUp)
}

// AddAmount grows the pool's underlying total without minting claims. Interest
// accrual uses this to appreciate existing shares.
func (v *VaultAccount) AddAmount(amount *big.Int) {
	if v == nil || amount == nil || amount.Sign() == 0 {
		return
	}
	v.normalise()
	v.Amount = new(big.Int).Add(v.Amount, amount)
}

// Credit adds an amount along with freshly minted shares backing it.
func (v *VaultAccount) Credit(amount, shares *big.Int) {
	if v == nil {
		return
	}
	v.normalise()
	if amount != nil && amount.Sign() > 0 {
		v.Amount = new(big.Int).Add(v.Amount, amount)
	}
	if shares != nil && shares.Sign() > 0 {
		v.Shares = new(big.Int).Add(v.Shares, shares)
	}
}

// Debit removes an amount along with the shares redeemed against it. Totals
// never drop below zero.
func (v *VaultAccount) Debit(amount, shares *big.Int) {
	if v == nil {
		return
	}
	v.normalise()
	if amount != nil && amount.Sign() > 0 {
		v.Amount = clampZero(new(big.Int).Sub(v.Amount, amount))
	}
	if shares != nil && shares.Sign() > 0 {
		v.Shares = clampZero(new(big.Int).Sub(v.Shares, shares))
	}
}
