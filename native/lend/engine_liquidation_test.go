package lend

import (
	"errors"
	"math/big"
	"testing"

	"taolend/crypto"
)

func liquidationSetup(t *testing.T, borrowAmount int64) (*lendEnv, crypto.Address, crypto.Address) {
	t.Helper()
	env := newLendEnv(t, testParams())
	fundPool(t, env, 1_000)
	borrower := makeAddress(0x03)
	liquidator := makeAddress(0x04)
	env.ledger.setBalance("USDT", borrower, big.NewInt(100))
	env.ledger.setBalance("TAO", liquidator, big.NewInt(500))
	if err := env.engine.AddCollateral(borrower, big.NewInt(100)); err != nil {
		t.Fatalf("add collateral: %v", err)
	}
	env.setPrice(t, "1.0")
	if _, err := env.engine.Borrow(borrower, big.NewInt(borrowAmount)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	return env, borrower, liquidator
}

func TestLiquidateCleanTier(t *testing.T) {
	env, borrower, liquidator := liquidationSetup(t, 80)

	// A 5% move leaves collateral well above debt value but past the ceiling.
	env.setPrice(t, "1.05")
	result, err := env.engine.Liquidate(liquidator, borrower, big.NewInt(80))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if result.Dirty {
		t.Fatalf("expected clean tier")
	}
	if result.RepaidAmount.Cmp(big.NewInt(80)) != 0 {
		t.Fatalf("unexpected repaid amount: %s", result.RepaidAmount)
	}
	if result.SeizedCollateral.Cmp(big.NewInt(92)) != 0 {
		t.Fatalf("unexpected seizure: %s", result.SeizedCollateral)
	}
	if result.ProtocolFee.Cmp(big.NewInt(4)) != 0 {
		t.Fatalf("unexpected protocol fee: %s", result.ProtocolFee)
	}
	if result.LiquidatorCollateral.Cmp(big.NewInt(88)) != 0 {
		t.Fatalf("unexpected liquidator slice: %s", result.LiquidatorCollateral)
	}

	if bal := env.ledger.balance("TAO", liquidator); bal.Cmp(big.NewInt(420)) != 0 {
		t.Fatalf("unexpected liquidator asset balance: %s", bal)
	}
	if bal := env.ledger.balance("USDT", liquidator); bal.Cmp(big.NewInt(88)) != 0 {
		t.Fatalf("unexpected liquidator collateral balance: %s", bal)
	}

	position := env.state.positions[env.state.key(borrower)]
	if position.BorrowShares.Sign() != 0 || position.Collateral.Cmp(big.NewInt(8)) != 0 {
		t.Fatalf("unexpected borrower state: shares=%s collateral=%s", position.BorrowShares, position.Collateral)
	}
	if env.state.pair.TotalCollateral.Cmp(big.NewInt(8)) != 0 {
		t.Fatalf("unexpected collateral total: %s", env.state.pair.TotalCollateral)
	}
	if env.state.fees == nil || env.state.fees.CollateralFees.Cmp(big.NewInt(4)) != 0 {
		t.Fatalf("unexpected protocol fees: %v", env.state.fees)
	}

	evt := env.events.last(EventTypeLiquidate)
	if evt == nil {
		t.Fatalf("expected liquidate event")
	}
	if evt.Attributes["seizedCollateral"] != "92" || evt.Attributes["dirty"] != "false" {
		t.Fatalf("unexpected event attributes: %v", evt.Attributes)
	}
}

func TestLiquidateDirtyTier(t *testing.T) {
	env, borrower, liquidator := liquidationSetup(t, 80)

	// At 1.30 the debt value exceeds the collateral entirely, so the reduced
	// premium tier applies and partial repayment leaves residual debt.
	env.setPrice(t, "1.30")
	result, err := env.engine.Liquidate(liquidator, borrower, big.NewInt(50))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !result.Dirty {
		t.Fatalf("expected dirty tier")
	}
	if result.RepaidAmount.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("unexpected repaid amount: %s", result.RepaidAmount)
	}
	if result.SeizedCollateral.Cmp(big.NewInt(68)) != 0 {
		t.Fatalf("unexpected seizure: %s", result.SeizedCollateral)
	}
	if result.ProtocolFee.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("unexpected protocol fee: %s", result.ProtocolFee)
	}

	position := env.state.positions[env.state.key(borrower)]
	if position.BorrowShares.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("expected residual debt to stay with borrower, got %s", position.BorrowShares)
	}
	if position.Collateral.Cmp(big.NewInt(32)) != 0 {
		t.Fatalf("unexpected remaining collateral: %s", position.Collateral)
	}
}

func TestLiquidateSolventBorrower(t *testing.T) {
	env, borrower, liquidator := liquidationSetup(t, 50)

	if _, err := env.engine.Liquidate(liquidator, borrower, big.NewInt(50)); !errors.Is(err, ErrBorrowerSolvent) {
		t.Fatalf("expected solvent borrower rejected, got %v", err)
	}
	if _, err := env.engine.Liquidate(liquidator, makeAddress(0x66), big.NewInt(1)); !errors.Is(err, ErrNoDebt) {
		t.Fatalf("expected no debt error, got %v", err)
	}
}

func TestLiquidateSeizureCappedAtCollateral(t *testing.T) {
	env, borrower, liquidator := liquidationSetup(t, 80)

	env.setPrice(t, "2.0")
	result, err := env.engine.Liquidate(liquidator, borrower, big.NewInt(80))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if result.SeizedCollateral.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected seizure capped at collateral, got %s", result.SeizedCollateral)
	}
	if result.ProtocolFee.Sign() != 0 {
		t.Fatalf("expected premium wiped by cap, got %s", result.ProtocolFee)
	}
	if result.LiquidatorCollateral.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected liquidator slice: %s", result.LiquidatorCollateral)
	}

	position := env.state.positions[env.state.key(borrower)]
	if position.Collateral.Sign() != 0 {
		t.Fatalf("expected collateral exhausted, got %s", position.Collateral)
	}
}

func TestWithdrawFeesOwnerOnly(t *testing.T) {
	env, borrower, liquidator := liquidationSetup(t, 80)
	env.setPrice(t, "1.05")
	if _, err := env.engine.Liquidate(liquidator, borrower, big.NewInt(80)); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	recipient := makeAddress(0x30)
	if _, err := env.engine.WithdrawFees(liquidator, recipient); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected non-owner rejected, got %v", err)
	}

	amount, err := env.engine.WithdrawFees(env.owner, recipient)
	if err != nil {
		t.Fatalf("withdraw fees: %v", err)
	}
	if amount.Cmp(big.NewInt(4)) != 0 {
		t.Fatalf("unexpected fee amount: %s", amount)
	}
	if bal := env.ledger.balance("USDT", recipient); bal.Cmp(big.NewInt(4)) != 0 {
		t.Fatalf("unexpected recipient balance: %s", bal)
	}
	if env.state.fees.CollateralFees.Sign() != 0 {
		t.Fatalf("expected fees cleared, got %s", env.state.fees.CollateralFees)
	}

	// Draining an empty accrual is a silent no-op.
	again, err := env.engine.WithdrawFees(env.owner, recipient)
	if err != nil {
		t.Fatalf("second withdraw: %v", err)
	}
	if again.Sign() != 0 {
		t.Fatalf("expected zero withdrawal, got %s", again)
	}
}
