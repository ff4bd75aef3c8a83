package lend

import (
	"math/big"

	"taolend/crypto"
)

// LiquidityZapper converts foreign tokens into the pair's denominations. The
// conversion must leave the proceeds in the owner's account; the engine then
// moves them into custody through the regular ledger transfer. Routing and
// slippage policy belong to the zapper, never to the pair.
type LiquidityZapper interface {
	// ZapToAsset converts amount of token held by owner into pair asset
	// and returns the asset amount the owner now holds.
	ZapToAsset(token string, owner crypto.Address, amount *big.Int) (*big.Int, error)
	// ZapToCollateral converts amount of token held by owner into pair
	// collateral and returns the collateral amount the owner now holds.
	ZapToCollateral(token string, owner crypto.Address, amount *big.Int) (*big.Int, error)
}

// SetZapper wires an external liquidity zapper. Passing nil disables the zap
// entry points.
func (e *Engine) SetZapper(zapper LiquidityZapper) {
	if e == nil {
		return
	}
	e.zapper = zapper
}

// ZapDeposit converts a foreign token into pair asset and supplies the
// proceeds. The conversion runs outside the accounting guard; the deposit
// re-validates limits and pricing like any direct call.
func (e *Engine) ZapDeposit(caller crypto.Address, token string, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if e.zapper == nil {
		return nil, ErrZapUnavailable
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	converted, err := e.zapper.ZapToAsset(normaliseSymbol(token), caller, amount)
	if err != nil {
		return nil, err
	}
	if converted == nil || converted.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return e.Deposit(caller, converted)
}

// ZapAddCollateral converts a foreign token into pair collateral and locks
// the proceeds for the caller.
func (e *Engine) ZapAddCollateral(caller crypto.Address, token string, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if e.zapper == nil {
		return nil, ErrZapUnavailable
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	converted, err := e.zapper.ZapToCollateral(normaliseSymbol(token), caller, amount)
	if err != nil {
		return nil, err
	}
	if converted == nil || converted.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := e.AddCollateral(caller, converted); err != nil {
		return nil, err
	}
	return converted, nil
}
