package lend_test

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"taolend/core/state"
	"taolend/crypto"
	"taolend/native/lend"
	"taolend/storage"
)

// flatRate returns the same ray-scaled per-second rate regardless of
// utilisation, so accrued interest is exactly predictable.
type flatRate struct {
	perSecond *big.Int
}

func (f flatRate) Rate(_ *big.Rat, _ uint64, _ *big.Int) *big.Int {
	return new(big.Int).Set(f.perSecond)
}

type scenario struct {
	t       *testing.T
	db      *storage.MemDB
	manager *state.Manager
	engine  *lend.Engine
	oracle  *lend.ManualOracle
	owner   crypto.Address
	pair    crypto.Address
	clock   time.Time
}

func makeAddress(last byte) crypto.Address {
	raw := make([]byte, 20)
	raw[19] = last
	return crypto.MustNewAddress(raw)
}

func testParams() lend.RiskParameters {
	params := lend.DefaultRiskParameters()
	params.MaxLTVBps = 8_000
	// A wide deviation gate keeps the liquidation scenarios free to move the
	// price; the dedicated gate tests live next to the engine.
	params.MaxOracleDeviationBps = 5_000
	return params
}

// onePercentPerSecond accrues one percent of outstanding debt per second.
var onePercentPerSecond = new(big.Int).Div(
	mustBig("1000000000000000000"), big.NewInt(100))

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("invalid big integer literal")
	}
	return v
}

func newScenario(t *testing.T, params lend.RiskParameters) *scenario {
	t.Helper()
	db := storage.NewMemDB()
	manager := state.NewManager(db)
	if err := manager.RegisterToken("TAO", "Tao Token", 18); err != nil {
		t.Fatalf("register asset: %v", err)
	}
	if err := manager.RegisterToken("CLT", "Collateral Token", 18); err != nil {
		t.Fatalf("register collateral: %v", err)
	}

	s := &scenario{
		t:       t,
		db:      db,
		manager: manager,
		oracle:  lend.NewManualOracle(),
		owner:   makeAddress(0x01),
		pair:    makeAddress(0xFF),
		clock:   time.Unix(1_700_000_000, 0).UTC(),
	}

	engine := lend.NewEngine(s.pair, "TAO", "CLT")
	engine.SetState(manager)
	engine.SetLedger(manager)
	engine.SetShareMetadata("Tao Supply Share", "sTAO", 18)
	engine.SetNowFunc(func() time.Time { return s.clock })
	engine.RegisterOracle("manual", s.oracle)
	engine.RegisterRateModel("flat", flatRate{perSecond: onePercentPerSecond})
	if err := engine.InitPair(s.owner, params, "manual", "flat"); err != nil {
		t.Fatalf("init pair: %v", err)
	}
	s.engine = engine
	return s
}

func (s *scenario) fund(addr crypto.Address, token string, amount int64) {
	s.t.Helper()
	if err := s.manager.SetBalance(addr, token, big.NewInt(amount)); err != nil {
		s.t.Fatalf("fund %s with %d %s: %v", addr, amount, token, err)
	}
}

func (s *scenario) balance(addr crypto.Address, token string) *big.Int {
	s.t.Helper()
	bal, err := s.manager.Balance(addr, token)
	if err != nil {
		s.t.Fatalf("balance %s %s: %v", addr, token, err)
	}
	return bal
}

func (s *scenario) setPrice(rate string) {
	s.t.Helper()
	if err := s.oracle.SetDecimal("TAO", "CLT", rate, s.clock); err != nil {
		s.t.Fatalf("set price %s: %v", rate, err)
	}
}

func (s *scenario) advance(d time.Duration) {
	s.clock = s.clock.Add(d)
}

func TestSupplyRoundTripAtBootstrap(t *testing.T) {
	s := newScenario(t, testParams())
	supplier := makeAddress(0x10)
	s.fund(supplier, "TAO", 1_000)

	shares, err := s.engine.Deposit(supplier, big.NewInt(1_000))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if shares.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("bootstrap deposit should mint 1:1, got %s", shares)
	}
	if bal := s.balance(s.pair, "TAO"); bal.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("pair custody should hold the deposit, got %s", bal)
	}

	amount, err := s.engine.Redeem(supplier, big.NewInt(1_000))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if amount.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("redeem should return the full deposit, got %s", amount)
	}
	if bal := s.balance(supplier, "TAO"); bal.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("supplier should be whole again, got %s", bal)
	}
	if bal := s.balance(s.pair, "TAO"); bal.Sign() != 0 {
		t.Fatalf("pair custody should be empty, got %s", bal)
	}
}

func TestInterestAccrualFlowsToSuppliers(t *testing.T) {
	s := newScenario(t, testParams())
	supplier := makeAddress(0x10)
	borrower := makeAddress(0x20)
	s.fund(supplier, "TAO", 1_000)
	s.fund(borrower, "TAO", 100)
	s.fund(borrower, "CLT", 2_000)

	if _, err := s.engine.Deposit(supplier, big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := s.engine.AddCollateral(borrower, big.NewInt(2_000)); err != nil {
		t.Fatalf("add collateral: %v", err)
	}
	s.setPrice("1.0")
	if _, err := s.engine.Borrow(borrower, big.NewInt(1_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Ten seconds at one percent per second adds exactly ten percent.
	s.advance(10 * time.Second)
	result, err := s.engine.AccrueInterest()
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if !result.Applied || result.Interest.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected 100 interest, got %+v", result)
	}

	acct, err := s.engine.PairAccounting(false)
	if err != nil {
		t.Fatalf("accounting: %v", err)
	}
	if acct.TotalAsset.Amount.Cmp(big.NewInt(1_100)) != 0 {
		t.Fatalf("asset pool should carry the interest, got %s", acct.TotalAsset.Amount)
	}
	if acct.TotalBorrow.Amount.Cmp(big.NewInt(1_100)) != 0 {
		t.Fatalf("borrow pool should carry the interest, got %s", acct.TotalBorrow.Amount)
	}
	if acct.TotalAsset.Shares.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("supply shares must not move on accrual, got %s", acct.TotalAsset.Shares)
	}

	// The borrower owes the grown amount; settling all shares costs 1100.
	settled, err := s.engine.Repay(borrower, big.NewInt(1_000))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if settled.Cmp(big.NewInt(1_100)) != 0 {
		t.Fatalf("expected 1100 settled, got %s", settled)
	}

	// Half the shares now redeem for 550: the interest went to the supplier.
	amount, err := s.engine.Redeem(supplier, big.NewInt(500))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if amount.Cmp(big.NewInt(550)) != 0 {
		t.Fatalf("expected 550 out, got %s", amount)
	}
	if bal := s.balance(s.pair, "TAO"); bal.Cmp(big.NewInt(550)) != 0 {
		t.Fatalf("pair custody should retain the other half, got %s", bal)
	}
}

func TestBorrowCeilingAgainstCollateral(t *testing.T) {
	s := newScenario(t, testParams())
	supplier := makeAddress(0x10)
	borrower := makeAddress(0x20)
	s.fund(supplier, "TAO", 1_000)
	s.fund(borrower, "CLT", 100)

	if _, err := s.engine.Deposit(supplier, big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := s.engine.AddCollateral(borrower, big.NewInt(100)); err != nil {
		t.Fatalf("add collateral: %v", err)
	}
	s.setPrice("1.0")

	if _, err := s.engine.Borrow(borrower, big.NewInt(81)); !errors.Is(err, lend.ErrExceedsMaxLTV) {
		t.Fatalf("expected ltv breach, got %v", err)
	}
	if _, err := s.engine.Borrow(borrower, big.NewInt(80)); err != nil {
		t.Fatalf("borrow at ceiling: %v", err)
	}
	if bal := s.balance(borrower, "TAO"); bal.Cmp(big.NewInt(80)) != 0 {
		t.Fatalf("borrower should hold the draw, got %s", bal)
	}
}

func TestGlobalPauseAndResume(t *testing.T) {
	s := newScenario(t, testParams())
	supplier := makeAddress(0x10)
	s.fund(supplier, "TAO", 1_100)
	if _, err := s.engine.Deposit(supplier, big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if err := s.engine.Pause(s.owner); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := s.engine.Withdraw(supplier, big.NewInt(10)); !errors.Is(err, lend.ErrCategoryPaused) {
		t.Fatalf("expected withdraw blocked, got %v", err)
	}
	if _, err := s.engine.Redeem(supplier, big.NewInt(10)); !errors.Is(err, lend.ErrCategoryPaused) {
		t.Fatalf("expected redeem blocked, got %v", err)
	}
	// The global pause zeroes the pool limits, so deposits stall too.
	if _, err := s.engine.Deposit(supplier, big.NewInt(100)); !errors.Is(err, lend.ErrLimitExceeded) {
		t.Fatalf("expected deposit blocked by zeroed limit, got %v", err)
	}

	// Time spent paused never compounds: the accrual clock restarts at
	// unpause.
	s.advance(1 * time.Hour)
	if err := s.engine.Unpause(s.owner); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	result, err := s.engine.AccrueInterest()
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if result.Applied {
		t.Fatalf("paused time must not accrue, got %s interest", result.Interest)
	}

	if _, err := s.engine.Withdraw(supplier, big.NewInt(10)); err != nil {
		t.Fatalf("withdraw after unpause: %v", err)
	}
}

func TestRevocationRatchet(t *testing.T) {
	s := newScenario(t, testParams())
	supplier := makeAddress(0x10)
	s.fund(supplier, "TAO", 1_000)
	if _, err := s.engine.Deposit(supplier, big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if err := s.engine.RevokeCategory(s.owner, lend.CategoryWithdraw); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := s.engine.PauseCategory(s.owner, lend.CategoryWithdraw); !errors.Is(err, lend.ErrAccessControlRevoked) {
		t.Fatalf("expected pause rejected after revocation, got %v", err)
	}
	if err := s.engine.RevokeCategory(s.owner, lend.CategoryWithdraw); !errors.Is(err, lend.ErrAlreadyRevoked) {
		t.Fatalf("expected repeat revocation rejected, got %v", err)
	}

	// Revocation freezes the category active: withdrawals keep working.
	if _, err := s.engine.Withdraw(supplier, big.NewInt(100)); err != nil {
		t.Fatalf("withdraw after revocation: %v", err)
	}

	access, err := s.engine.AccessStatus()
	if err != nil {
		t.Fatalf("access status: %v", err)
	}
	if !access.Revoked(lend.CategoryWithdraw) || access.Paused(lend.CategoryWithdraw) {
		t.Fatalf("unexpected withdraw flags: %+v", access.Withdraw)
	}
}

func TestLiquidationAccruesProtocolFees(t *testing.T) {
	s := newScenario(t, testParams())
	supplier := makeAddress(0x10)
	borrower := makeAddress(0x20)
	liquidator := makeAddress(0x30)
	s.fund(supplier, "TAO", 100_000)
	s.fund(borrower, "CLT", 10_000)
	s.fund(liquidator, "TAO", 50_000)

	if _, err := s.engine.Deposit(supplier, big.NewInt(100_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := s.engine.AddCollateral(borrower, big.NewInt(10_000)); err != nil {
		t.Fatalf("add collateral: %v", err)
	}
	s.setPrice("1.0")
	if _, err := s.engine.Borrow(borrower, big.NewInt(8_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// At par the position sits exactly on the ceiling and stays safe.
	if _, err := s.engine.Liquidate(liquidator, borrower, big.NewInt(8_000)); !errors.Is(err, lend.ErrBorrowerSolvent) {
		t.Fatalf("expected solvent borrower protected, got %v", err)
	}

	// The asset appreciating against the collateral pushes the debt value
	// past the ceiling.
	s.setPrice("1.2")
	result, err := s.engine.Liquidate(liquidator, borrower, big.NewInt(8_000))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if result.RepaidShares.Cmp(big.NewInt(8_000)) != 0 {
		t.Fatalf("expected full debt retired, got %s", result.RepaidShares)
	}
	if result.SeizedCollateral.Cmp(big.NewInt(10_000)) > 0 {
		t.Fatalf("seizure cannot exceed pledged collateral, got %s", result.SeizedCollateral)
	}
	if result.ProtocolFee.Sign() <= 0 {
		t.Fatalf("expected a protocol fee slice, got %s", result.ProtocolFee)
	}

	// The fee sits in the pair's fee bucket until the owner sweeps it.
	treasury := makeAddress(0x40)
	swept, err := s.engine.WithdrawFees(s.owner, treasury)
	if err != nil {
		t.Fatalf("withdraw fees: %v", err)
	}
	if swept.Cmp(result.ProtocolFee) != 0 {
		t.Fatalf("sweep should match the accrued fee: %s vs %s", swept, result.ProtocolFee)
	}
	if bal := s.balance(treasury, "CLT"); bal.Cmp(result.ProtocolFee) != 0 {
		t.Fatalf("treasury should hold the fee, got %s", bal)
	}
}

func TestStateSurvivesEngineRestart(t *testing.T) {
	s := newScenario(t, testParams())
	supplier := makeAddress(0x10)
	s.fund(supplier, "TAO", 1_000)
	if _, err := s.engine.Deposit(supplier, big.NewInt(750)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// A fresh engine over the same backend sees the persisted pair.
	engine := lend.NewEngine(s.pair, "TAO", "CLT")
	engine.SetState(s.manager)
	engine.SetLedger(s.manager)
	engine.SetNowFunc(func() time.Time { return s.clock })
	engine.RegisterOracle("manual", s.oracle)
	engine.RegisterRateModel("flat", flatRate{perSecond: onePercentPerSecond})

	acct, err := engine.PairAccounting(false)
	if err != nil {
		t.Fatalf("accounting after restart: %v", err)
	}
	if acct.TotalAsset.Amount.Cmp(big.NewInt(750)) != 0 {
		t.Fatalf("expected persisted pool, got %s", acct.TotalAsset.Amount)
	}

	amount, err := engine.Redeem(supplier, big.NewInt(750))
	if err != nil {
		t.Fatalf("redeem after restart: %v", err)
	}
	if amount.Cmp(big.NewInt(750)) != 0 {
		t.Fatalf("expected full redemption, got %s", amount)
	}
}
