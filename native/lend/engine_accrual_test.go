package lend

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"taolend/core/events"
	"taolend/core/types"
	"taolend/crypto"
)

type mockState struct {
	pair      *PairState
	positions map[string]*UserPosition
	fees      *FeeAccrual
	price     *PriceRecord
	roles     map[string]map[string]bool
}

func newMockState() *mockState {
	return &mockState{
		positions: make(map[string]*UserPosition),
		roles:     make(map[string]map[string]bool),
	}
}

func (m *mockState) key(addr crypto.Address) string {
	return string(addr.Bytes())
}

func (m *mockState) LendGetPair() (*PairState, error) {
	return m.pair.Clone(), nil
}

func (m *mockState) LendPutPair(pair *PairState) error {
	m.pair = pair.Clone()
	return nil
}

func (m *mockState) LendGetPosition(addr crypto.Address) (*UserPosition, error) {
	if position, ok := m.positions[m.key(addr)]; ok {
		return position.Clone(), nil
	}
	return nil, nil
}

func (m *mockState) LendPutPosition(position *UserPosition) error {
	if position == nil {
		return nil
	}
	m.positions[m.key(position.Address)] = position.Clone()
	return nil
}

func (m *mockState) LendGetFees() (*FeeAccrual, error) {
	return m.fees.Clone(), nil
}

func (m *mockState) LendPutFees(fees *FeeAccrual) error {
	m.fees = fees.Clone()
	return nil
}

func (m *mockState) LendLastPrice() (*PriceRecord, bool, error) {
	if m.price == nil {
		return nil, false, nil
	}
	return m.price.Clone(), true, nil
}

func (m *mockState) LendPutPrice(record *PriceRecord) error {
	m.price = record.Clone()
	return nil
}

func (m *mockState) HasRole(role string, addr crypto.Address) bool {
	if m.roles == nil {
		return false
	}
	return m.roles[role][m.key(addr)]
}

func (m *mockState) grantRole(role string, addr crypto.Address) {
	if m.roles[role] == nil {
		m.roles[role] = make(map[string]bool)
	}
	m.roles[role][m.key(addr)] = true
}

type mockLedger struct {
	balances map[string]map[string]*big.Int
}

func newMockLedger() *mockLedger {
	return &mockLedger{balances: make(map[string]map[string]*big.Int)}
}

func (l *mockLedger) key(addr crypto.Address) string {
	return string(addr.Bytes())
}

func (l *mockLedger) setBalance(token string, addr crypto.Address, amount *big.Int) {
	if l.balances[token] == nil {
		l.balances[token] = make(map[string]*big.Int)
	}
	l.balances[token][l.key(addr)] = new(big.Int).Set(amount)
}

func (l *mockLedger) balance(token string, addr crypto.Address) *big.Int {
	if l.balances[token] == nil {
		return big.NewInt(0)
	}
	if bal, ok := l.balances[token][l.key(addr)]; ok {
		return bal
	}
	return big.NewInt(0)
}

func (l *mockLedger) Transfer(token string, from, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid transfer amount")
	}
	fromBal := l.balance(token, from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient %s balance", token)
	}
	l.setBalance(token, from, new(big.Int).Sub(fromBal, amount))
	l.setBalance(token, to, new(big.Int).Add(l.balance(token, to), amount))
	return nil
}

type capturedEvents struct {
	events []events.Event
}

func (c *capturedEvents) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturedEvents) count(eventType string) int {
	total := 0
	for _, evt := range c.events {
		if evt.EventType() == eventType {
			total++
		}
	}
	return total
}

func (c *capturedEvents) last(eventType string) *types.Event {
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].EventType() != eventType {
			continue
		}
		if payload, ok := c.events[i].(interface{ Event() *types.Event }); ok {
			return payload.Event()
		}
	}
	return nil
}

type rateFunc func(utilisation *big.Rat, elapsed uint64, prior *big.Int) *big.Int

func (f rateFunc) Rate(utilisation *big.Rat, elapsed uint64, prior *big.Int) *big.Int {
	return f(utilisation, elapsed, prior)
}

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.MustNewAddress(raw)
}

func testParams() RiskParameters {
	return RiskParameters{
		MaxLTVBps:                 8000,
		CleanLiquidationFeeBps:    1000,
		DirtyLiquidationFeeBps:    500,
		ProtocolLiquidationFeeBps: 5000,
		DirtyThresholdBps:         10_000,
		MaxPriceAgeSeconds:        3600,
	}
}

type lendEnv struct {
	engine *Engine
	state  *mockState
	ledger *mockLedger
	oracle *ManualOracle
	events *capturedEvents
	owner  crypto.Address
	pair   crypto.Address
	clock  time.Time
}

// newLendEnv wires an engine against in-memory fakes. The flat rate model
// charges a tenth of the principal per second so interest expectations stay
// round.
func newLendEnv(t *testing.T, params RiskParameters) *lendEnv {
	t.Helper()
	env := &lendEnv{
		state:  newMockState(),
		ledger: newMockLedger(),
		oracle: NewManualOracle(),
		events: &capturedEvents{},
		owner:  makeAddress(0xEE),
		pair:   makeAddress(0x01),
		clock:  time.Unix(1_700_000_000, 0).UTC(),
	}
	env.engine = NewEngine(env.pair, "TAO", "USDT")
	env.engine.SetState(env.state)
	env.engine.SetLedger(env.ledger)
	env.engine.SetEmitter(env.events)
	env.engine.RegisterOracle("manual", env.oracle)
	env.engine.RegisterRateModel("flat", rateFunc(func(*big.Rat, uint64, *big.Int) *big.Int {
		return new(big.Int).Quo(ray, big.NewInt(10))
	}))
	env.engine.SetNowFunc(func() time.Time { return env.clock })
	if err := env.engine.InitPair(env.owner, params, "manual", "flat"); err != nil {
		t.Fatalf("init pair: %v", err)
	}
	return env
}

func (env *lendEnv) advance(d time.Duration) {
	env.clock = env.clock.Add(d)
}

func (env *lendEnv) setPrice(t *testing.T, rate string) {
	t.Helper()
	if err := env.oracle.SetDecimal("TAO", "USDT", rate, env.clock); err != nil {
		t.Fatalf("set price: %v", err)
	}
}

func TestDepositBootstrapMintsOneToOne(t *testing.T) {
	env := newLendEnv(t, testParams())
	supplier := makeAddress(0x02)
	env.ledger.setBalance("TAO", supplier, big.NewInt(1_000))

	shares, err := env.engine.Deposit(supplier, big.NewInt(1_000))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if shares.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("unexpected shares: got %s want 1000", shares)
	}
	if bal := env.ledger.balance("TAO", supplier); bal.Sign() != 0 {
		t.Fatalf("expected supplier drained, got %s", bal)
	}
	if bal := env.ledger.balance("TAO", env.pair); bal.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected custody 1000, got %s", bal)
	}
	pair := env.state.pair
	if pair.TotalAsset.Amount.Cmp(big.NewInt(1_000)) != 0 || pair.TotalAsset.Shares.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("unexpected asset vault: amount=%s shares=%s", pair.TotalAsset.Amount, pair.TotalAsset.Shares)
	}
	evt := env.events.last(EventTypeDeposit)
	if evt == nil {
		t.Fatalf("expected deposit event")
	}
	if evt.Attributes["amount"] != "1000" || evt.Attributes["shares"] != "1000" {
		t.Fatalf("unexpected event attributes: %v", evt.Attributes)
	}
}

func TestAccrueInterestGrowsBothLegs(t *testing.T) {
	env := newLendEnv(t, testParams())
	supplier := makeAddress(0x02)
	borrower := makeAddress(0x03)
	env.ledger.setBalance("TAO", supplier, big.NewInt(1_000))
	env.ledger.setBalance("TAO", borrower, big.NewInt(1_000))
	env.ledger.setBalance("USDT", borrower, big.NewInt(1_000))

	if _, err := env.engine.Deposit(supplier, big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.AddCollateral(borrower, big.NewInt(1_000)); err != nil {
		t.Fatalf("add collateral: %v", err)
	}
	env.setPrice(t, "1.0")
	if _, err := env.engine.Borrow(borrower, big.NewInt(500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Two seconds at a tenth per second charges 20% on the 500 borrowed.
	env.advance(2 * time.Second)
	res, err := env.engine.AccrueInterest()
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if !res.Applied || res.Interest.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected accrual: applied=%v interest=%s", res.Applied, res.Interest)
	}

	pair := env.state.pair
	if pair.TotalAsset.Amount.Cmp(big.NewInt(1_100)) != 0 || pair.TotalAsset.Shares.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("unexpected asset vault: amount=%s shares=%s", pair.TotalAsset.Amount, pair.TotalAsset.Shares)
	}
	if pair.TotalBorrow.Amount.Cmp(big.NewInt(600)) != 0 || pair.TotalBorrow.Shares.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected borrow vault: amount=%s shares=%s", pair.TotalBorrow.Amount, pair.TotalBorrow.Shares)
	}

	// 550 asset now corresponds to 500 shares.
	shares, err := env.engine.ConvertToAssetShares(big.NewInt(550), false, false)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if shares.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected conversion: got %s want 500", shares)
	}

	// Clearing the debt releases liquidity for the supplier's exit.
	if _, err := env.engine.Repay(borrower, big.NewInt(500)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	burned, err := env.engine.Withdraw(supplier, big.NewInt(550))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if burned.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected burned shares: got %s want 500", burned)
	}
	position := env.state.positions[env.state.key(supplier)]
	if position.SupplyShares.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected remaining shares: %s", position.SupplyShares)
	}
}

func TestAccrueInterestNoElapsedIsNoop(t *testing.T) {
	env := newLendEnv(t, testParams())
	supplier := makeAddress(0x02)
	env.ledger.setBalance("TAO", supplier, big.NewInt(500))
	if _, err := env.engine.Deposit(supplier, big.NewInt(500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	res, err := env.engine.AccrueInterest()
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if res.Applied || res.Interest.Sign() != 0 {
		t.Fatalf("expected noop accrual, got applied=%v interest=%s", res.Applied, res.Interest)
	}
	if env.events.count(EventTypeInterestAccrued) != 0 {
		t.Fatalf("expected no accrual event")
	}
}

func TestInterestPauseWindowNeverAccrues(t *testing.T) {
	env := newLendEnv(t, testParams())
	supplier := makeAddress(0x02)
	borrower := makeAddress(0x03)
	env.ledger.setBalance("TAO", supplier, big.NewInt(1_000))
	env.ledger.setBalance("USDT", borrower, big.NewInt(1_000))

	if _, err := env.engine.Deposit(supplier, big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.AddCollateral(borrower, big.NewInt(1_000)); err != nil {
		t.Fatalf("add collateral: %v", err)
	}
	env.setPrice(t, "1.0")
	if _, err := env.engine.Borrow(borrower, big.NewInt(500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// One second accrues 50 before the pause lands.
	env.advance(time.Second)
	if err := env.engine.PauseCategory(env.owner, CategoryInterest); err != nil {
		t.Fatalf("pause interest: %v", err)
	}
	if env.state.pair.TotalBorrow.Amount.Cmp(big.NewInt(550)) != 0 {
		t.Fatalf("expected pre-pause accrual, got %s", env.state.pair.TotalBorrow.Amount)
	}

	// A long paused window must not accrue.
	env.advance(time.Hour)
	res, err := env.engine.AccrueInterest()
	if err != nil {
		t.Fatalf("accrue while paused: %v", err)
	}
	if res.Applied {
		t.Fatalf("expected paused accrual to be a noop")
	}
	if env.state.pair.TotalBorrow.Amount.Cmp(big.NewInt(550)) != 0 {
		t.Fatalf("paused window accrued: %s", env.state.pair.TotalBorrow.Amount)
	}

	if err := env.engine.UnpauseCategory(env.owner, CategoryInterest); err != nil {
		t.Fatalf("unpause interest: %v", err)
	}
	// Only time after the unpause counts: one second on 550 at a tenth.
	env.advance(time.Second)
	res, err = env.engine.AccrueInterest()
	if err != nil {
		t.Fatalf("accrue after unpause: %v", err)
	}
	if res.Interest.Cmp(big.NewInt(55)) != 0 {
		t.Fatalf("unexpected post-unpause interest: got %s want 55", res.Interest)
	}
}

func TestPreviewAccrueDoesNotPersist(t *testing.T) {
	env := newLendEnv(t, testParams())
	supplier := makeAddress(0x02)
	borrower := makeAddress(0x03)
	env.ledger.setBalance("TAO", supplier, big.NewInt(1_000))
	env.ledger.setBalance("USDT", borrower, big.NewInt(1_000))

	if _, err := env.engine.Deposit(supplier, big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.AddCollateral(borrower, big.NewInt(1_000)); err != nil {
		t.Fatalf("add collateral: %v", err)
	}
	env.setPrice(t, "1.0")
	if _, err := env.engine.Borrow(borrower, big.NewInt(500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	env.advance(2 * time.Second)
	preview, err := env.engine.PreviewAccrue()
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.Result.Interest.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected preview interest: %s", preview.Result.Interest)
	}
	if preview.TotalAsset.Amount.Cmp(big.NewInt(1_100)) != 0 {
		t.Fatalf("unexpected preview asset amount: %s", preview.TotalAsset.Amount)
	}
	if env.state.pair.TotalAsset.Amount.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("preview leaked into state: %s", env.state.pair.TotalAsset.Amount)
	}

	// Conversions quote differently with and without the preview flag.
	raw, err := env.engine.ConvertToAssetShares(big.NewInt(550), false, false)
	if err != nil {
		t.Fatalf("convert raw: %v", err)
	}
	previewed, err := env.engine.ConvertToAssetShares(big.NewInt(550), false, true)
	if err != nil {
		t.Fatalf("convert previewed: %v", err)
	}
	if raw.Cmp(big.NewInt(550)) != 0 {
		t.Fatalf("unexpected raw conversion: %s", raw)
	}
	if previewed.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected previewed conversion: %s", previewed)
	}
}

func TestRateModelReceivesPriorRate(t *testing.T) {
	env := newLendEnv(t, testParams())
	var observedPrior *big.Int
	env.engine.RegisterRateModel("tracking", rateFunc(func(_ *big.Rat, _ uint64, prior *big.Int) *big.Int {
		observedPrior = new(big.Int).Set(prior)
		return new(big.Int).Quo(ray, big.NewInt(4))
	}))
	if err := env.engine.SetRateContract(env.owner, "tracking"); err != nil {
		t.Fatalf("set rate contract: %v", err)
	}

	supplier := makeAddress(0x02)
	borrower := makeAddress(0x03)
	env.ledger.setBalance("TAO", supplier, big.NewInt(1_000))
	env.ledger.setBalance("USDT", borrower, big.NewInt(1_000))
	if _, err := env.engine.Deposit(supplier, big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.AddCollateral(borrower, big.NewInt(1_000)); err != nil {
		t.Fatalf("add collateral: %v", err)
	}
	env.setPrice(t, "1.0")
	if _, err := env.engine.Borrow(borrower, big.NewInt(400)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	env.advance(time.Second)
	if _, err := env.engine.AccrueInterest(); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	quarter := new(big.Int).Quo(ray, big.NewInt(4))
	if env.state.pair.CurrentRate.Cmp(quarter) != 0 {
		t.Fatalf("rate not persisted: %s", env.state.pair.CurrentRate)
	}

	env.advance(time.Second)
	if _, err := env.engine.AccrueInterest(); err != nil {
		t.Fatalf("second accrue: %v", err)
	}
	if observedPrior == nil || observedPrior.Cmp(quarter) != 0 {
		t.Fatalf("expected prior rate %s, got %v", quarter, observedPrior)
	}
}

func TestShareMetadataTracksAssetShares(t *testing.T) {
	env := newLendEnv(t, testParams())
	env.engine.SetShareMetadata("TAO Lend Share", "taoLEND", 18)
	supplier := makeAddress(0x02)
	env.ledger.setBalance("TAO", supplier, big.NewInt(750))
	if _, err := env.engine.Deposit(supplier, big.NewInt(750)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	meta, err := env.engine.Metadata()
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.Name != "TAO Lend Share" || meta.Symbol != "taoLEND" || meta.Decimals != 18 {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	if meta.TotalSupply.Cmp(big.NewInt(750)) != 0 {
		t.Fatalf("unexpected total supply: %s", meta.TotalSupply)
	}
	supply, err := env.engine.TotalSupply()
	if err != nil {
		t.Fatalf("total supply: %v", err)
	}
	if supply.Cmp(meta.TotalSupply) != 0 {
		t.Fatalf("supply mismatch: %s vs %s", supply, meta.TotalSupply)
	}
}
