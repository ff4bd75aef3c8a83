package lend

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"taolend/core/events"
	"taolend/core/types"
	"taolend/crypto"
)

// Role names checked against the state backend's role registry. Operators may
// pause categories; the timelock unpauses, revokes and edits configuration.
// The pair owner satisfies every check.
const (
	RoleOperator = "ROLE_LEND_OPERATOR"
	RoleTimelock = "ROLE_LEND_TIMELOCK"
)

// engineState is the narrow view of the state backend the engine relies on.
// Get methods return detached copies; the engine mutates them freely and
// persists through the matching Put.
type engineState interface {
	LendGetPair() (*PairState, error)
	LendPutPair(pair *PairState) error
	LendGetPosition(addr crypto.Address) (*UserPosition, error)
	LendPutPosition(position *UserPosition) error
	LendGetFees() (*FeeAccrual, error)
	LendPutFees(fees *FeeAccrual) error
	LendLastPrice() (*PriceRecord, bool, error)
	LendPutPrice(record *PriceRecord) error
	HasRole(role string, addr crypto.Address) bool
}

// TokenLedger moves pair tokens between accounts. A non-nil error means the
// transfer was not applied; partial transfers are not permitted.
type TokenLedger interface {
	Transfer(token string, from, to crypto.Address, amount *big.Int) error
}

// AccrualResult reports the outcome of an interest accrual tick.
type AccrualResult struct {
	// Interest is the amount added to both pool legs.
	Interest *big.Int
	// RatePerSecond is the ray-scaled rate produced by the rate model.
	RatePerSecond *big.Int
	// Elapsed is the seconds covered by the tick.
	Elapsed uint64
	// Applied reports whether any interest was added.
	Applied bool
}

// LiquidationResult reports the amounts settled by a liquidation.
type LiquidationResult struct {
	// RepaidShares is the borrow shares retired by the liquidator.
	RepaidShares *big.Int
	// RepaidAmount is the asset amount the liquidator paid for them.
	RepaidAmount *big.Int
	// SeizedCollateral is the total collateral removed from the borrower.
	SeizedCollateral *big.Int
	// LiquidatorCollateral is the slice of the seizure sent to the liquidator.
	LiquidatorCollateral *big.Int
	// ProtocolFee is the slice of the premium retained as protocol revenue.
	ProtocolFee *big.Int
	// Dirty reports whether the reduced premium tier applied.
	Dirty bool
}

// Engine orchestrates the state transitions for a single lending pair. All
// mutating operations are guarded by one in-progress flag: overlapping calls
// fail fast instead of interleaving.
type Engine struct {
	mu      sync.Mutex
	state   engineState
	tokens  TokenLedger
	emitter events.Emitter
	oracles map[string]PriceOracle
	rates   map[string]RateCalculator
	zapper  LiquidityZapper

	pairAddress      crypto.Address
	assetSymbol      string
	collateralSymbol string
	shareName        string
	shareSymbol      string
	shareDecimals    uint8

	nowFn func() time.Time
}

// NewEngine constructs a lending engine bound to the pair custody address and
// the token symbols it settles in.
func NewEngine(pairAddr crypto.Address, assetSymbol, collateralSymbol string) *Engine {
	return &Engine{
		emitter:          events.NoopEmitter{},
		oracles:          make(map[string]PriceOracle),
		rates:            make(map[string]RateCalculator),
		pairAddress:      pairAddr,
		assetSymbol:      normaliseSymbol(assetSymbol),
		collateralSymbol: normaliseSymbol(collateralSymbol),
		shareName:        "Lend Pair Share",
		shareSymbol:      "LPS",
		shareDecimals:    18,
		nowFn:            func() time.Time { return time.Now().UTC() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger wires the engine to the token ledger moving pair funds.
func (e *Engine) SetLedger(tokens TokenLedger) {
	if e == nil {
		return
	}
	e.tokens = tokens
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used to stamp accruals. Nil restores
// the default UTC clock.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if e == nil {
		return
	}
	if now == nil {
		e.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	e.nowFn = now
}

// SetShareMetadata configures the descriptive fields reported for supply
// shares.
func (e *Engine) SetShareMetadata(name, symbol string, decimals uint8) {
	if e == nil {
		return
	}
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		e.shareName = trimmed
	}
	if trimmed := strings.TrimSpace(symbol); trimmed != "" {
		e.shareSymbol = trimmed
	}
	if decimals > 0 {
		e.shareDecimals = decimals
	}
}

// RegisterOracle makes a price source selectable by SetOracle.
func (e *Engine) RegisterOracle(name string, oracle PriceOracle) {
	if e == nil || oracle == nil {
		return
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return
	}
	if e.oracles == nil {
		e.oracles = make(map[string]PriceOracle)
	}
	e.oracles[key] = oracle
}

// RegisterRateModel makes a rate model selectable by SetRateContract.
func (e *Engine) RegisterRateModel(name string, calc RateCalculator) {
	if e == nil || calc == nil {
		return
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return
	}
	if e.rates == nil {
		e.rates = make(map[string]RateCalculator)
	}
	e.rates[key] = calc
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(lendEvent{evt: event})
}

func (e *Engine) now() time.Time {
	if e == nil || e.nowFn == nil {
		return time.Now().UTC()
	}
	return e.nowFn()
}

func (e *Engine) nowUnix() uint64 {
	ts := e.now().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// InitPair writes the initial pair state. It fails when a pair already
// exists.
func (e *Engine) InitPair(owner crypto.Address, params RiskParameters, oracleSource, rateSource string) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if !e.mu.TryLock() {
		return ErrOperationInProgress
	}
	defer e.mu.Unlock()
	if owner.IsZero() {
		return ErrPermissionDenied
	}
	if err := params.Validate(); err != nil {
		return err
	}
	oracleKey := strings.ToLower(strings.TrimSpace(oracleSource))
	if _, ok := e.oracles[oracleKey]; !ok {
		return ErrOracleUnavailable
	}
	rateKey := strings.ToLower(strings.TrimSpace(rateSource))
	if _, ok := e.rates[rateKey]; !ok {
		return ErrRateModelUnavailable
	}
	existing, err := e.state.LendGetPair()
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrPairExists
	}
	pair := &PairState{
		Owner:           owner,
		TotalAsset:      NewVaultAccount(),
		TotalBorrow:     NewVaultAccount(),
		TotalCollateral: big.NewInt(0),
		LastAccrual:     e.nowUnix(),
		CurrentRate:     big.NewInt(0),
		OracleSource:    oracleKey,
		RateSource:      rateKey,
		Params:          params.Clone(),
	}
	if err := e.state.LendPutPair(pair); err != nil {
		return err
	}
	e.emit(newPairInitialisedEvent(owner))
	return nil
}

func (e *Engine) ensurePair() (*PairState, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	pair, err := e.state.LendGetPair()
	if err != nil {
		return nil, err
	}
	if pair == nil {
		return nil, ErrPairNotInitialised
	}
	pair.normalise()
	return pair, nil
}

func (e *Engine) ensurePosition(addr crypto.Address) (*UserPosition, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	position, err := e.state.LendGetPosition(addr)
	if err != nil {
		return nil, err
	}
	if position == nil {
		position = &UserPosition{Address: addr}
	}
	position.normalise()
	return position, nil
}

func (e *Engine) ensureFees() (*FeeAccrual, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	fees, err := e.state.LendGetFees()
	if err != nil {
		return nil, err
	}
	if fees == nil {
		fees = &FeeAccrual{}
	}
	fees.normalise()
	return fees, nil
}

func (e *Engine) isOwner(pair *PairState, caller crypto.Address) bool {
	return !pair.Owner.IsZero() && pair.Owner.Equal(caller)
}

func (e *Engine) requireOperator(pair *PairState, caller crypto.Address) error {
	if e.isOwner(pair, caller) {
		return nil
	}
	if e.state.HasRole(RoleOperator, caller) {
		return nil
	}
	return ErrPermissionDenied
}

func (e *Engine) requireTimelock(pair *PairState, caller crypto.Address) error {
	if e.isOwner(pair, caller) {
		return nil
	}
	if e.state.HasRole(RoleTimelock, caller) {
		return nil
	}
	return ErrPermissionDenied
}

func (e *Engine) requireOwner(pair *PairState, caller crypto.Address) error {
	if e.isOwner(pair, caller) {
		return nil
	}
	return ErrPermissionDenied
}

func (e *Engine) rateModel(pair *PairState) (RateCalculator, error) {
	calc, ok := e.rates[pair.RateSource]
	if !ok || calc == nil {
		return nil, ErrRateModelUnavailable
	}
	return calc, nil
}

func (e *Engine) transferIn(token string, from crypto.Address, amount *big.Int) error {
	if e.tokens == nil {
		return ErrLedgerNotConfigured
	}
	if err := e.tokens.Transfer(token, from, e.pairAddress, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

func (e *Engine) transferOut(token string, to crypto.Address, amount *big.Int) error {
	if e.tokens == nil {
		return ErrLedgerNotConfigured
	}
	if err := e.tokens.Transfer(token, e.pairAddress, to, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

func (e *Engine) availableLiquidity(pair *PairState) *big.Int {
	liquidity := new(big.Int).Sub(pair.TotalAsset.Amount, pair.TotalBorrow.Amount)
	if liquidity.Sign() < 0 {
		return big.NewInt(0)
	}
	return liquidity
}

// computeAccrual applies the interest owed since the last tick directly to the
// supplied pair state. A paused interest category skips the rate math entirely
// and leaves the timestamp untouched; pause and unpause transitions reset it
// so no window spans a pause.
func (e *Engine) computeAccrual(pair *PairState, now uint64) (*AccrualResult, error) {
	res := &AccrualResult{
		Interest:      big.NewInt(0),
		RatePerSecond: new(big.Int).Set(pair.CurrentRate),
	}
	if now <= pair.LastAccrual {
		return res, nil
	}
	if pair.Access.Paused(CategoryInterest) {
		return res, nil
	}
	elapsed := now - pair.LastAccrual
	res.Elapsed = elapsed

	calc, err := e.rateModel(pair)
	if err != nil {
		return nil, err
	}
	utilisation := Utilisation(pair.TotalBorrow.Amount, pair.TotalAsset.Amount)
	rate := clampZero(calc.Rate(utilisation, elapsed, pair.CurrentRate))
	res.RatePerSecond = new(big.Int).Set(rate)
	pair.CurrentRate = new(big.Int).Set(rate)

	if pair.TotalBorrow.Amount.Sign() > 0 && rate.Sign() > 0 {
		scaled := new(big.Int).Mul(rate, new(big.Int).SetUint64(elapsed))
		interest := mulDivDown(pair.TotalBorrow.Amount, scaled, ray)
		if interest.Sign() > 0 {
			pair.TotalBorrow.AddAmount(interest)
			pair.TotalAsset.AddAmount(interest)
			res.Interest = interest
			res.Applied = true
		}
	}
	pair.LastAccrual = now
	return res, nil
}

func (e *Engine) emitAccrual(res *AccrualResult) {
	if res == nil || !res.Applied {
		return
	}
	e.emit(newInterestAccruedEvent(res.Interest, res.RatePerSecond, res.Elapsed))
}

// fetchPrice reads the configured oracle and enforces freshness and deviation
// bounds. The returned record becomes the new deviation anchor once the caller
// persists it.
func (e *Engine) fetchPrice(pair *PairState) (*PriceRecord, error) {
	oracle, ok := e.oracles[pair.OracleSource]
	if !ok || oracle == nil {
		return nil, ErrOracleUnavailable
	}
	quote, err := oracle.GetRate(e.assetSymbol, e.collateralSymbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleInvalid, err)
	}
	if quote.Rate == nil || quote.Rate.Sign() <= 0 {
		return nil, ErrOracleInvalid
	}
	if pair.Params.MaxPriceAgeSeconds > 0 {
		age := e.now().Sub(quote.Timestamp)
		if age > time.Duration(pair.Params.MaxPriceAgeSeconds)*time.Second {
			return nil, ErrOracleStale
		}
	}
	if pair.Params.MaxOracleDeviationBps > 0 {
		prev, ok, err := e.state.LendLastPrice()
		if err != nil {
			return nil, err
		}
		if ok && prev != nil && prev.Rate != nil && prev.Rate.Sign() > 0 {
			diff := new(big.Rat).Sub(quote.Rate, prev.Rate)
			if diff.Sign() < 0 {
				diff.Neg(diff)
			}
			threshold := new(big.Rat).Mul(prev.Rate, big.NewRat(int64(pair.Params.MaxOracleDeviationBps), 10_000))
			if threshold.Sign() > 0 && diff.Cmp(threshold) > 0 {
				return nil, ErrOracleDeviation
			}
		}
	}
	return &PriceRecord{Rate: new(big.Rat).Set(quote.Rate), UpdatedAt: quote.Timestamp.UTC().Unix()}, nil
}

// checkLTV verifies that debtShares against the given collateral stays within
// the configured ceiling at the recorded price. Debt value rounds up so the
// bound errs against the borrower.
func (e *Engine) checkLTV(pair *PairState, collateral, debtShares *big.Int, record *PriceRecord) error {
	if debtShares == nil || debtShares.Sign() == 0 {
		return nil
	}
	if collateral == nil || collateral.Sign() == 0 {
		return ErrInsufficientCollateral
	}
	debtAmount := pair.TotalBorrow.ToAmount(debtShares, true)
	debtValue := ratMulInt(record.Rate, debtAmount, true)
	lhs := new(big.Int).Mul(debtValue, basisPoints)
	rhs := new(big.Int).Mul(collateral, new(big.Int).SetUint64(pair.Params.MaxLTVBps))
	if lhs.Cmp(rhs) > 0 {
		return ErrExceedsMaxLTV
	}
	return nil
}

// Deposit locks asset from the caller and mints supply shares at the current
// exchange rate. The minted share amount is returned.
func (e *Engine) Deposit(caller crypto.Address, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if !e.mu.TryLock() {
		return nil, ErrOperationInProgress
	}
	defer e.mu.Unlock()
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	pair, err := e.ensurePair()
	if err != nil {
		return nil, err
	}
	accrual, err := e.computeAccrual(pair, e.nowUnix())
	if err != nil {
		return nil, err
	}

	if pair.Params.DepositLimit != nil {
		projected := new(big.Int).Add(pair.TotalAsset.Amount, amount)
		if projected.Cmp(pair.Params.DepositLimit) > 0 {
			return nil, ErrLimitExceeded
		}
	}

	shares := pair.TotalAsset.ToShares(amount, false)
	position, err := e.ensurePosition(caller)
	if err != nil {
		return nil, err
	}

	if err := e.transferIn(e.assetSymbol, caller, amount); err != nil {
		return nil, err
	}

	position.SupplyShares = new(big.Int).Add(position.SupplyShares, shares)
	pair.TotalAsset.Credit(amount, shares)

	if err := e.state.LendPutPosition(position); err != nil {
		return nil, err
	}
	if err := e.state.LendPutPair(pair); err != nil {
		return nil, err
	}

	e.emitAccrual(accrual)
	e.emit(newLedgerEvent(EventTypeDeposit, caller, amount, shares))
	return shares, nil
}

// Withdraw burns the supply shares covering the requested asset amount and
// releases the asset to the caller. The burned share amount is returned.
func (e *Engine) Withdraw(caller crypto.Address, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if !e.mu.TryLock() {
		return nil, ErrOperationInProgress
	}
	defer e.mu.Unlock()
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	pair, err := e.ensurePair()
	if err != nil {
		return nil, err
	}
	if err := pair.Access.guard(CategoryWithdraw); err != nil {
		return nil, err
	}
	accrual, err := e.computeAccrual(pair, e.nowUnix())
	if err != nil {
		return nil, err
	}

	shares := pair.TotalAsset.ToShares(amount, true)
	position, err := e.ensurePosition(caller)
	if err != nil {
		return nil, err
	}
	if position.SupplyShares.Cmp(shares) < 0 {
		return nil, ErrInsufficientShares
	}
	if e.availableLiquidity(pair).Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	if err := e.transferOut(e.assetSymbol, caller, amount); err != nil {
		return nil, err
	}

	position.SupplyShares = new(big.Int).Sub(position.SupplyShares, shares)
	pair.TotalAsset.Debit(amount, shares)

	if err := e.state.LendPutPosition(position); err != nil {
		return nil, err
	}
	if err := e.state.LendPutPair(pair); err != nil {
		return nil, err
	}

	e.emitAccrual(accrual)
	e.emit(newLedgerEvent(EventTypeWithdraw, caller, amount, shares))
	return shares, nil
}

// Redeem burns an explicit share amount and releases the asset it currently
// redeems for. The released asset amount is returned.
func (e *Engine) Redeem(caller crypto.Address, shares *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if !e.mu.TryLock() {
		return nil, ErrOperationInProgress
	}
	defer e.mu.Unlock()
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	pair, err := e.ensurePair()
	if err != nil {
		return nil, err
	}
	if err := pair.Access.guard(CategoryWithdraw); err != nil {
		return nil, err
	}
	accrual, err := e.computeAccrual(pair, e.nowUnix())
	if err != nil {
		return nil, err
	}

	position, err := e.ensurePosition(caller)
	if err != nil {
		return nil, err
	}
	if position.SupplyShares.Cmp(shares) < 0 {
		return nil, ErrInsufficientShares
	}
	amount := pair.TotalAsset.ToAmount(shares, false)
	if e.availableLiquidity(pair).Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	if amount.Sign() > 0 {
		if err := e.transferOut(e.assetSymbol, caller, amount); err != nil {
			return nil, err
		}
	}

	position.SupplyShares = new(big.Int).Sub(position.SupplyShares, shares)
	pair.TotalAsset.Debit(amount, shares)

	if err := e.state.LendPutPosition(position); err != nil {
		return nil, err
	}
	if err := e.state.LendPutPair(pair); err != nil {
		return nil, err
	}

	e.emitAccrual(accrual)
	e.emit(newLedgerEvent(EventTypeWithdraw, caller, amount, shares))
	return amount, nil
}

// AddCollateral locks collateral for the caller. Collateral only improves
// position health, so no accrual or solvency check is required.
func (e *Engine) AddCollateral(caller crypto.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if !e.mu.TryLock() {
		return ErrOperationInProgress
	}
	defer e.mu.Unlock()
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	pair, err := e.ensurePair()
	if err != nil {
		return err
	}
	position, err := e.ensurePosition(caller)
	if err != nil {
		return err
	}

	if err := e.transferIn(e.collateralSymbol, caller, amount); err != nil {
		return err
	}

	position.Collateral = new(big.Int).Add(position.Collateral, amount)
	pair.TotalCollateral = new(big.Int).Add(pair.TotalCollateral, amount)

	if err := e.state.LendPutPosition(position); err != nil {
		return err
	}
	if err := e.state.LendPutPair(pair); err != nil {
		return err
	}

	e.emit(newCollateralEvent(EventTypeCollateralAdded, caller, amount))
	return nil
}

// RemoveCollateral releases collateral back to the caller while ensuring the
// remaining position stays within the LTV ceiling.
func (e *Engine) RemoveCollateral(caller crypto.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if !e.mu.TryLock() {
		return ErrOperationInProgress
	}
	defer e.mu.Unlock()
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	pair, err := e.ensurePair()
	if err != nil {
		return err
	}
	if err := pair.Access.guard(CategoryWithdraw); err != nil {
		return err
	}
	accrual, err := e.computeAccrual(pair, e.nowUnix())
	if err != nil {
		return err
	}

	position, err := e.ensurePosition(caller)
	if err != nil {
		return err
	}
	if position.Collateral.Cmp(amount) < 0 {
		return ErrInsufficientCollateral
	}
	remaining := new(big.Int).Sub(position.Collateral, amount)

	var record *PriceRecord
	if position.BorrowShares.Sign() > 0 {
		record, err = e.fetchPrice(pair)
		if err != nil {
			return err
		}
		if err := e.checkLTV(pair, remaining, position.BorrowShares, record); err != nil {
			return err
		}
	}

	if err := e.transferOut(e.collateralSymbol, caller, amount); err != nil {
		return err
	}

	position.Collateral = remaining
	pair.TotalCollateral = clampZero(new(big.Int).Sub(pair.TotalCollateral, amount))

	if record != nil {
		if err := e.state.LendPutPrice(record); err != nil {
			return err
		}
	}
	if err := e.state.LendPutPosition(position); err != nil {
		return err
	}
	if err := e.state.LendPutPair(pair); err != nil {
		return err
	}

	e.emitAccrual(accrual)
	e.emit(newCollateralEvent(EventTypeCollateralRemoved, caller, amount))
	return nil
}

// Borrow draws asset liquidity against the caller's collateral. The minted
// borrow share amount is returned.
func (e *Engine) Borrow(caller crypto.Address, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if !e.mu.TryLock() {
		return nil, ErrOperationInProgress
	}
	defer e.mu.Unlock()
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	pair, err := e.ensurePair()
	if err != nil {
		return nil, err
	}
	accrual, err := e.computeAccrual(pair, e.nowUnix())
	if err != nil {
		return nil, err
	}

	if pair.Params.BorrowLimit != nil {
		projected := new(big.Int).Add(pair.TotalBorrow.Amount, amount)
		if projected.Cmp(pair.Params.BorrowLimit) > 0 {
			return nil, ErrLimitExceeded
		}
	}
	if e.availableLiquidity(pair).Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	record, err := e.fetchPrice(pair)
	if err != nil {
		return nil, err
	}

	shares := pair.TotalBorrow.ToShares(amount, true)
	position, err := e.ensurePosition(caller)
	if err != nil {
		return nil, err
	}

	pair.TotalBorrow.Credit(amount, shares)
	position.BorrowShares = new(big.Int).Add(position.BorrowShares, shares)
	if err := e.checkLTV(pair, position.Collateral, position.BorrowShares, record); err != nil {
		return nil, err
	}

	if err := e.transferOut(e.assetSymbol, caller, amount); err != nil {
		return nil, err
	}

	if err := e.state.LendPutPrice(record); err != nil {
		return nil, err
	}
	if err := e.state.LendPutPosition(position); err != nil {
		return nil, err
	}
	if err := e.state.LendPutPair(pair); err != nil {
		return nil, err
	}

	e.emitAccrual(accrual)
	e.emit(newLedgerEvent(EventTypeBorrow, caller, amount, shares))
	return shares, nil
}

// Repay retires the caller's borrow shares. Requests beyond the outstanding
// debt are capped. The asset amount settled is returned.
func (e *Engine) Repay(caller crypto.Address, shares *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if !e.mu.TryLock() {
		return nil, ErrOperationInProgress
	}
	defer e.mu.Unlock()
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	pair, err := e.ensurePair()
	if err != nil {
		return nil, err
	}
	if err := pair.Access.guard(CategoryRepay); err != nil {
		return nil, err
	}
	accrual, err := e.computeAccrual(pair, e.nowUnix())
	if err != nil {
		return nil, err
	}

	position, err := e.ensurePosition(caller)
	if err != nil {
		return nil, err
	}
	if position.BorrowShares.Sign() == 0 {
		return nil, ErrNoDebt
	}
	settle := new(big.Int).Set(shares)
	if settle.Cmp(position.BorrowShares) > 0 {
		settle.Set(position.BorrowShares)
	}
	amount := pair.TotalBorrow.ToAmount(settle, true)

	if amount.Sign() > 0 {
		if err := e.transferIn(e.assetSymbol, caller, amount); err != nil {
			return nil, err
		}
	}

	position.BorrowShares = new(big.Int).Sub(position.BorrowShares, settle)
	pair.TotalBorrow.Debit(amount, settle)

	if err := e.state.LendPutPosition(position); err != nil {
		return nil, err
	}
	if err := e.state.LendPutPair(pair); err != nil {
		return nil, err
	}

	e.emitAccrual(accrual)
	e.emit(newLedgerEvent(EventTypeRepay, caller, amount, settle))
	return amount, nil
}

// Liquidate lets any caller repay an insolvent borrower's shares in exchange
// for collateral plus the tiered premium. A slice of the premium is retained
// as protocol revenue.
func (e *Engine) Liquidate(liquidator, borrower crypto.Address, shares *big.Int) (*LiquidationResult, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if !e.mu.TryLock() {
		return nil, ErrOperationInProgress
	}
	defer e.mu.Unlock()
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	pair, err := e.ensurePair()
	if err != nil {
		return nil, err
	}
	if err := pair.Access.guard(CategoryLiquidate); err != nil {
		return nil, err
	}
	accrual, err := e.computeAccrual(pair, e.nowUnix())
	if err != nil {
		return nil, err
	}

	position, err := e.ensurePosition(borrower)
	if err != nil {
		return nil, err
	}
	if position.BorrowShares.Sign() == 0 {
		return nil, ErrNoDebt
	}

	record, err := e.fetchPrice(pair)
	if err != nil {
		return nil, err
	}
	if err := e.checkLTV(pair, position.Collateral, position.BorrowShares, record); err == nil {
		return nil, ErrBorrowerSolvent
	}

	settle := new(big.Int).Set(shares)
	if settle.Cmp(position.BorrowShares) > 0 {
		settle.Set(position.BorrowShares)
	}
	repayAmount := pair.TotalBorrow.ToAmount(settle, true)

	totalDebt := pair.TotalBorrow.ToAmount(position.BorrowShares, false)
	debtValue := ratMulInt(record.Rate, totalDebt, false)
	dirtyLHS := new(big.Int).Mul(position.Collateral, basisPoints)
	dirtyRHS := new(big.Int).Mul(debtValue, new(big.Int).SetUint64(pair.Params.DirtyThresholdBps))
	dirty := dirtyLHS.Cmp(dirtyRHS) < 0

	feeBps := pair.Params.CleanLiquidationFeeBps
	if dirty {
		feeBps = pair.Params.DirtyLiquidationFeeBps
	}
	baseSeize := ratMulInt(record.Rate, repayAmount, false)
	premium := bpsShare(baseSeize, feeBps)
	totalSeize := new(big.Int).Add(baseSeize, premium)
	if totalSeize.Cmp(position.Collateral) > 0 {
		totalSeize = new(big.Int).Set(position.Collateral)
		premium = clampZero(new(big.Int).Sub(totalSeize, baseSeize))
	}
	protocolFee := bpsShare(premium, pair.Params.ProtocolLiquidationFeeBps)
	liquidatorShare := new(big.Int).Sub(totalSeize, protocolFee)

	fees, err := e.ensureFees()
	if err != nil {
		return nil, err
	}

	if repayAmount.Sign() > 0 {
		if err := e.transferIn(e.assetSymbol, liquidator, repayAmount); err != nil {
			return nil, err
		}
	}
	if liquidatorShare.Sign() > 0 {
		if err := e.transferOut(e.collateralSymbol, liquidator, liquidatorShare); err != nil {
			return nil, err
		}
	}

	position.BorrowShares = new(big.Int).Sub(position.BorrowShares, settle)
	position.Collateral = clampZero(new(big.Int).Sub(position.Collateral, totalSeize))
	pair.TotalBorrow.Debit(repayAmount, settle)
	pair.TotalCollateral = clampZero(new(big.Int).Sub(pair.TotalCollateral, totalSeize))
	fees.CollateralFees = new(big.Int).Add(fees.CollateralFees, protocolFee)

	if err := e.state.LendPutPrice(record); err != nil {
		return nil, err
	}
	if err := e.state.LendPutPosition(position); err != nil {
		return nil, err
	}
	if err := e.state.LendPutFees(fees); err != nil {
		return nil, err
	}
	if err := e.state.LendPutPair(pair); err != nil {
		return nil, err
	}

	result := &LiquidationResult{
		RepaidShares:         settle,
		RepaidAmount:         repayAmount,
		SeizedCollateral:     totalSeize,
		LiquidatorCollateral: liquidatorShare,
		ProtocolFee:          protocolFee,
		Dirty:                dirty,
	}
	e.emitAccrual(accrual)
	e.emit(newLiquidateEvent(liquidator, borrower, result))
	return result, nil
}

// AccrueInterest applies any interest owed since the previous tick and
// persists the result.
func (e *Engine) AccrueInterest() (*AccrualResult, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if !e.mu.TryLock() {
		return nil, ErrOperationInProgress
	}
	defer e.mu.Unlock()

	pair, err := e.ensurePair()
	if err != nil {
		return nil, err
	}
	accrual, err := e.computeAccrual(pair, e.nowUnix())
	if err != nil {
		return nil, err
	}
	if err := e.state.LendPutPair(pair); err != nil {
		return nil, err
	}
	e.emitAccrual(accrual)
	return accrual, nil
}

// WithdrawFees transfers accrued protocol revenue to the recipient. Only the
// pair owner may withdraw.
func (e *Engine) WithdrawFees(caller, recipient crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if !e.mu.TryLock() {
		return nil, ErrOperationInProgress
	}
	defer e.mu.Unlock()

	pair, err := e.ensurePair()
	if err != nil {
		return nil, err
	}
	if err := e.requireOwner(pair, caller); err != nil {
		return nil, err
	}
	fees, err := e.ensureFees()
	if err != nil {
		return nil, err
	}
	amount := new(big.Int).Set(fees.CollateralFees)
	if amount.Sign() == 0 {
		return big.NewInt(0), nil
	}

	if err := e.transferOut(e.collateralSymbol, recipient, amount); err != nil {
		return nil, err
	}
	fees.CollateralFees = big.NewInt(0)
	if err := e.state.LendPutFees(fees); err != nil {
		return nil, err
	}

	e.emit(newFeesWithdrawnEvent(recipient, amount))
	return amount, nil
}

type lendEvent struct {
	evt *types.Event
}

func (l lendEvent) EventType() string {
	if l.evt == nil {
		return ""
	}
	return l.evt.Type
}

// Event returns the underlying typed payload.
func (l lendEvent) Event() *types.Event { return l.evt }
