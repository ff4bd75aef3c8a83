package lend

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

func fundPool(t *testing.T, env *lendEnv, amount int64) {
	t.Helper()
	supplier := makeAddress(0xA0)
	env.ledger.setBalance("TAO", supplier, big.NewInt(amount))
	if _, err := env.engine.Deposit(supplier, big.NewInt(amount)); err != nil {
		t.Fatalf("fund pool: %v", err)
	}
}

func TestBorrowRespectsMaxLTV(t *testing.T) {
	env := newLendEnv(t, testParams())
	fundPool(t, env, 1_000)
	borrower := makeAddress(0x03)
	env.ledger.setBalance("USDT", borrower, big.NewInt(100))

	if err := env.engine.AddCollateral(borrower, big.NewInt(100)); err != nil {
		t.Fatalf("add collateral: %v", err)
	}
	env.setPrice(t, "1.0")

	// 81 against 100 collateral crosses the 80% ceiling; 80 sits exactly on it.
	if _, err := env.engine.Borrow(borrower, big.NewInt(81)); !errors.Is(err, ErrExceedsMaxLTV) {
		t.Fatalf("expected ltv breach, got %v", err)
	}
	if _, err := env.engine.Borrow(borrower, big.NewInt(80)); err != nil {
		t.Fatalf("borrow at ceiling: %v", err)
	}
	if bal := env.ledger.balance("TAO", borrower); bal.Cmp(big.NewInt(80)) != 0 {
		t.Fatalf("unexpected borrower balance: %s", bal)
	}
	if _, err := env.engine.Borrow(borrower, big.NewInt(1)); !errors.Is(err, ErrExceedsMaxLTV) {
		t.Fatalf("expected follow-up borrow rejected, got %v", err)
	}
}

func TestBorrowWithoutCollateral(t *testing.T) {
	env := newLendEnv(t, testParams())
	fundPool(t, env, 1_000)
	borrower := makeAddress(0x03)
	env.setPrice(t, "1.0")

	if _, err := env.engine.Borrow(borrower, big.NewInt(10)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected collateral required, got %v", err)
	}
}

func TestBorrowFailsClosedOnOracle(t *testing.T) {
	env := newLendEnv(t, testParams())
	fundPool(t, env, 1_000)
	borrower := makeAddress(0x03)
	env.ledger.setBalance("USDT", borrower, big.NewInt(100))
	if err := env.engine.AddCollateral(borrower, big.NewInt(100)); err != nil {
		t.Fatalf("add collateral: %v", err)
	}

	// No quote at all.
	if _, err := env.engine.Borrow(borrower, big.NewInt(10)); !errors.Is(err, ErrOracleInvalid) {
		t.Fatalf("expected oracle failure, got %v", err)
	}

	// A quote older than the freshness bound.
	if err := env.oracle.SetDecimal("TAO", "USDT", "1.0", env.clock.Add(-2*time.Hour)); err != nil {
		t.Fatalf("set stale price: %v", err)
	}
	if _, err := env.engine.Borrow(borrower, big.NewInt(10)); !errors.Is(err, ErrOracleStale) {
		t.Fatalf("expected stale quote rejected, got %v", err)
	}

	env.setPrice(t, "1.0")
	if _, err := env.engine.Borrow(borrower, big.NewInt(10)); err != nil {
		t.Fatalf("borrow with fresh quote: %v", err)
	}
}

func TestOracleDeviationGate(t *testing.T) {
	params := testParams()
	params.MaxOracleDeviationBps = 500
	env := newLendEnv(t, params)
	fundPool(t, env, 1_000)
	borrower := makeAddress(0x03)
	env.ledger.setBalance("USDT", borrower, big.NewInt(1_000))
	if err := env.engine.AddCollateral(borrower, big.NewInt(1_000)); err != nil {
		t.Fatalf("add collateral: %v", err)
	}

	// The first accepted reading seeds the deviation anchor.
	env.setPrice(t, "1.0")
	if _, err := env.engine.Borrow(borrower, big.NewInt(10)); err != nil {
		t.Fatalf("first borrow: %v", err)
	}
	if env.state.price == nil || env.state.price.Rate.Cmp(big.NewRat(1, 1)) != 0 {
		t.Fatalf("expected anchor recorded, got %v", env.state.price)
	}

	// A 6% jump against the anchor is rejected and leaves the anchor alone.
	env.setPrice(t, "1.06")
	if _, err := env.engine.Borrow(borrower, big.NewInt(10)); !errors.Is(err, ErrOracleDeviation) {
		t.Fatalf("expected deviation rejected, got %v", err)
	}
	if env.state.price.Rate.Cmp(big.NewRat(1, 1)) != 0 {
		t.Fatalf("rejected reading moved the anchor: %v", env.state.price.Rate)
	}

	// A 4% move is accepted and becomes the new anchor.
	env.setPrice(t, "1.04")
	if _, err := env.engine.Borrow(borrower, big.NewInt(10)); err != nil {
		t.Fatalf("borrow within deviation: %v", err)
	}
	if env.state.price.Rate.Cmp(big.NewRat(104, 100)) != 0 {
		t.Fatalf("expected anchor updated, got %v", env.state.price.Rate)
	}

	// 1.08 clears against the moved anchor even though it is >5% from 1.0.
	env.setPrice(t, "1.08")
	if _, err := env.engine.Borrow(borrower, big.NewInt(10)); err != nil {
		t.Fatalf("borrow against updated anchor: %v", err)
	}
}

func TestRemoveCollateralChecksLTV(t *testing.T) {
	env := newLendEnv(t, testParams())
	fundPool(t, env, 1_000)
	borrower := makeAddress(0x03)
	env.ledger.setBalance("USDT", borrower, big.NewInt(200))
	if err := env.engine.AddCollateral(borrower, big.NewInt(200)); err != nil {
		t.Fatalf("add collateral: %v", err)
	}
	env.setPrice(t, "1.0")
	if _, err := env.engine.Borrow(borrower, big.NewInt(80)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Dropping to 100 keeps the debt exactly at the ceiling; 99 breaches it.
	if err := env.engine.RemoveCollateral(borrower, big.NewInt(101)); !errors.Is(err, ErrExceedsMaxLTV) {
		t.Fatalf("expected removal blocked, got %v", err)
	}
	if err := env.engine.RemoveCollateral(borrower, big.NewInt(100)); err != nil {
		t.Fatalf("removal at ceiling: %v", err)
	}
	if err := env.engine.RemoveCollateral(borrower, big.NewInt(150)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected balance check, got %v", err)
	}
}

func TestRemoveCollateralWithoutDebtSkipsOracle(t *testing.T) {
	env := newLendEnv(t, testParams())
	depositor := makeAddress(0x04)
	env.ledger.setBalance("USDT", depositor, big.NewInt(300))
	if err := env.engine.AddCollateral(depositor, big.NewInt(300)); err != nil {
		t.Fatalf("add collateral: %v", err)
	}

	// No oracle quote exists, yet debt-free removal succeeds.
	if err := env.engine.RemoveCollateral(depositor, big.NewInt(300)); err != nil {
		t.Fatalf("remove collateral: %v", err)
	}
	if bal := env.ledger.balance("USDT", depositor); bal.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("unexpected balance: %s", bal)
	}
	if env.state.pair.TotalCollateral.Sign() != 0 {
		t.Fatalf("expected collateral total cleared, got %s", env.state.pair.TotalCollateral)
	}
}

func TestBorrowLimitAndLiquidity(t *testing.T) {
	env := newLendEnv(t, testParams())
	fundPool(t, env, 500)
	borrower := makeAddress(0x03)
	env.ledger.setBalance("USDT", borrower, big.NewInt(10_000))
	if err := env.engine.AddCollateral(borrower, big.NewInt(10_000)); err != nil {
		t.Fatalf("add collateral: %v", err)
	}
	env.setPrice(t, "1.0")

	if err := env.engine.SetBorrowLimit(env.owner, big.NewInt(100)); err != nil {
		t.Fatalf("set borrow limit: %v", err)
	}
	if _, err := env.engine.Borrow(borrower, big.NewInt(150)); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected borrow limit, got %v", err)
	}
	if err := env.engine.SetBorrowLimit(env.owner, nil); err != nil {
		t.Fatalf("clear borrow limit: %v", err)
	}

	// Liquidity, not the limit, now binds the draw.
	if _, err := env.engine.Borrow(borrower, big.NewInt(600)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected liquidity bound, got %v", err)
	}
	if _, err := env.engine.Borrow(borrower, big.NewInt(500)); err != nil {
		t.Fatalf("borrow full liquidity: %v", err)
	}

	// The pool is drained; suppliers cannot exit until repayment.
	supplier := makeAddress(0xA0)
	if _, err := env.engine.Withdraw(supplier, big.NewInt(1)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected withdraw starved, got %v", err)
	}
}

func TestRepayCapsAtOutstandingDebt(t *testing.T) {
	env := newLendEnv(t, testParams())
	fundPool(t, env, 1_000)
	borrower := makeAddress(0x03)
	env.ledger.setBalance("TAO", borrower, big.NewInt(500))
	env.ledger.setBalance("USDT", borrower, big.NewInt(500))
	if err := env.engine.AddCollateral(borrower, big.NewInt(500)); err != nil {
		t.Fatalf("add collateral: %v", err)
	}
	env.setPrice(t, "1.0")
	if _, err := env.engine.Borrow(borrower, big.NewInt(200)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Asking to retire more shares than owed settles only the outstanding 200.
	amount, err := env.engine.Repay(borrower, big.NewInt(10_000))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if amount.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("unexpected settled amount: %s", amount)
	}
	position := env.state.positions[env.state.key(borrower)]
	if position.BorrowShares.Sign() != 0 {
		t.Fatalf("expected debt cleared, got %s", position.BorrowShares)
	}
	if _, err := env.engine.Repay(borrower, big.NewInt(1)); !errors.Is(err, ErrNoDebt) {
		t.Fatalf("expected no debt error, got %v", err)
	}
}

func TestUserSnapshotReportsLTV(t *testing.T) {
	env := newLendEnv(t, testParams())
	fundPool(t, env, 1_000)
	borrower := makeAddress(0x03)
	env.ledger.setBalance("USDT", borrower, big.NewInt(200))
	if err := env.engine.AddCollateral(borrower, big.NewInt(200)); err != nil {
		t.Fatalf("add collateral: %v", err)
	}
	env.setPrice(t, "1.0")
	if _, err := env.engine.Borrow(borrower, big.NewInt(80)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	snapshot, err := env.engine.UserSnapshot(borrower)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.BorrowAmount.Cmp(big.NewInt(80)) != 0 {
		t.Fatalf("unexpected borrow amount: %s", snapshot.BorrowAmount)
	}
	if snapshot.Collateral.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("unexpected collateral: %s", snapshot.Collateral)
	}
	// 80 debt against 200 collateral at par is 40%.
	if snapshot.LTVBps == nil || snapshot.LTVBps.Cmp(big.NewInt(4_000)) != 0 {
		t.Fatalf("unexpected ltv: %v", snapshot.LTVBps)
	}

	clean, err := env.engine.UserSnapshot(makeAddress(0x55))
	if err != nil {
		t.Fatalf("snapshot empty: %v", err)
	}
	if clean.LTVBps == nil || clean.LTVBps.Sign() != 0 {
		t.Fatalf("expected zero ltv for empty position, got %v", clean.LTVBps)
	}
}
