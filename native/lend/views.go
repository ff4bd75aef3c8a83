package lend

import (
	"math/big"

	"taolend/crypto"
)

// ShareMetadata describes the supply share token. TotalSupply equals the
// share leg of the asset vault.
type ShareMetadata struct {
	Name        string
	Symbol      string
	Decimals    uint8
	TotalSupply *big.Int
}

// PairAccounting is a point-in-time snapshot of the pair ledgers.
type PairAccounting struct {
	TotalAsset         *VaultAccount
	TotalBorrow        *VaultAccount
	TotalCollateral    *big.Int
	AvailableLiquidity *big.Int
	CurrentRate        *big.Int
	LastAccrual        uint64
	ProtocolFees       *big.Int
	Access             AccessControls
}

// AccrualPreview reports what an accrual tick would do without persisting it.
type AccrualPreview struct {
	TotalAsset  *VaultAccount
	TotalBorrow *VaultAccount
	Result      *AccrualResult
}

// UserSnapshot reports a single account's position at current exchange rates.
type UserSnapshot struct {
	Address      crypto.Address
	SupplyShares *big.Int
	// SupplyAmount is the asset the supply shares redeem for, rounded down.
	SupplyAmount *big.Int
	BorrowShares *big.Int
	// BorrowAmount is the asset owed for the borrow shares, rounded up.
	BorrowAmount *big.Int
	Collateral   *big.Int
	// LTVBps is the debt value relative to collateral in basis points,
	// rounded up, at the last accepted price. It is zero with no debt and
	// nil when no accepted price exists or outstanding debt has no
	// collateral behind it.
	LTVBps *big.Int
}

// previewPair loads the pair and optionally applies a simulated accrual tick.
// The returned state is a detached copy and is never persisted.
func (e *Engine) previewPair(previewInterest bool) (*PairState, error) {
	pair, err := e.ensurePair()
	if err != nil {
		return nil, err
	}
	if previewInterest {
		if _, err := e.computeAccrual(pair, e.nowUnix()); err != nil {
			return nil, err
		}
	}
	return pair, nil
}

// ConvertToAssetShares quotes the supply shares minted for an asset amount.
func (e *Engine) ConvertToAssetShares(amount *big.Int, roundUp, previewInterest bool) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	pair, err := e.previewPair(previewInterest)
	if err != nil {
		return nil, err
	}
	return pair.TotalAsset.ToShares(amount, roundUp), nil
}

// ConvertToAssetAmount quotes the asset redeemed for a supply share amount.
func (e *Engine) ConvertToAssetAmount(shares *big.Int, roundUp, previewInterest bool) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	pair, err := e.previewPair(previewInterest)
	if err != nil {
		return nil, err
	}
	return pair.TotalAsset.ToAmount(shares, roundUp), nil
}

// ConvertToBorrowShares quotes the borrow shares representing an asset debt.
func (e *Engine) ConvertToBorrowShares(amount *big.Int, roundUp, previewInterest bool) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	pair, err := e.previewPair(previewInterest)
	if err != nil {
		return nil, err
	}
	return pair.TotalBorrow.ToShares(amount, roundUp), nil
}

// ConvertToBorrowAmount quotes the asset owed for a borrow share amount.
func (e *Engine) ConvertToBorrowAmount(shares *big.Int, roundUp, previewInterest bool) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	pair, err := e.previewPair(previewInterest)
	if err != nil {
		return nil, err
	}
	return pair.TotalBorrow.ToAmount(shares, roundUp), nil
}

// PreviewAccrue simulates an accrual tick against current state.
func (e *Engine) PreviewAccrue() (*AccrualPreview, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	pair, err := e.ensurePair()
	if err != nil {
		return nil, err
	}
	res, err := e.computeAccrual(pair, e.nowUnix())
	if err != nil {
		return nil, err
	}
	return &AccrualPreview{
		TotalAsset:  pair.TotalAsset.Clone(),
		TotalBorrow: pair.TotalBorrow.Clone(),
		Result:      res,
	}, nil
}

// PairAccounting snapshots the pair ledgers, optionally with pending interest
// applied.
func (e *Engine) PairAccounting(previewInterest bool) (*PairAccounting, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	pair, err := e.previewPair(previewInterest)
	if err != nil {
		return nil, err
	}
	fees, err := e.ensureFees()
	if err != nil {
		return nil, err
	}
	return &PairAccounting{
		TotalAsset:         pair.TotalAsset.Clone(),
		TotalBorrow:        pair.TotalBorrow.Clone(),
		TotalCollateral:    cloneBigInt(pair.TotalCollateral),
		AvailableLiquidity: e.availableLiquidity(pair),
		CurrentRate:        cloneBigInt(pair.CurrentRate),
		LastAccrual:        pair.LastAccrual,
		ProtocolFees:       cloneBigInt(fees.CollateralFees),
		Access:             pair.Access,
	}, nil
}

// UserSnapshot reports an account's position with pending interest applied.
// The LTV reading uses the last accepted oracle price and never consults the
// oracle directly, so snapshots cannot move the deviation anchor.
func (e *Engine) UserSnapshot(addr crypto.Address) (*UserSnapshot, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	pair, err := e.previewPair(true)
	if err != nil {
		return nil, err
	}
	position, err := e.ensurePosition(addr)
	if err != nil {
		return nil, err
	}
	snapshot := &UserSnapshot{
		Address:      addr,
		SupplyShares: cloneBigInt(position.SupplyShares),
		SupplyAmount: pair.TotalAsset.ToAmount(position.SupplyShares, false),
		BorrowShares: cloneBigInt(position.BorrowShares),
		BorrowAmount: pair.TotalBorrow.ToAmount(position.BorrowShares, true),
		Collateral:   cloneBigInt(position.Collateral),
	}
	if position.BorrowShares.Sign() == 0 {
		snapshot.LTVBps = big.NewInt(0)
		return snapshot, nil
	}
	record, ok, err := e.state.LendLastPrice()
	if err != nil {
		return nil, err
	}
	if !ok || record == nil || record.Rate == nil || position.Collateral.Sign() == 0 {
		return snapshot, nil
	}
	debtValue := ratMulInt(record.Rate, snapshot.BorrowAmount, true)
	snapshot.LTVBps = mulDivUp(debtValue, basisPoints, position.Collateral)
	return snapshot, nil
}

// Parameters returns the current risk configuration.
func (e *Engine) Parameters() (RiskParameters, error) {
	if e == nil || e.state == nil {
		return RiskParameters{}, ErrNilState
	}
	pair, err := e.ensurePair()
	if err != nil {
		return RiskParameters{}, err
	}
	return pair.Params.Clone(), nil
}

// AccessStatus returns the pause and revocation flags for every category.
func (e *Engine) AccessStatus() (AccessControls, error) {
	if e == nil || e.state == nil {
		return AccessControls{}, ErrNilState
	}
	pair, err := e.ensurePair()
	if err != nil {
		return AccessControls{}, err
	}
	return pair.Access, nil
}

// Metadata describes the supply share token. Interest changes redemption
// value, never the share count, so no preview flag is needed.
func (e *Engine) Metadata() (ShareMetadata, error) {
	if e == nil || e.state == nil {
		return ShareMetadata{}, ErrNilState
	}
	pair, err := e.ensurePair()
	if err != nil {
		return ShareMetadata{}, err
	}
	return ShareMetadata{
		Name:        e.shareName,
		Symbol:      e.shareSymbol,
		Decimals:    e.shareDecimals,
		TotalSupply: cloneBigInt(pair.TotalAsset.Shares),
	}, nil
}

// TotalSupply returns the outstanding supply share count.
func (e *Engine) TotalSupply() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	pair, err := e.ensurePair()
	if err != nil {
		return nil, err
	}
	return cloneBigInt(pair.TotalAsset.Shares), nil
}
