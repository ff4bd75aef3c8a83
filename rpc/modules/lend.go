package modules

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"taolend/crypto"
	"taolend/journal"
	"taolend/native/lend"
	"taolend/observability"
)

// LendModule adapts the lending engine to the RPC surface. Engine errors are
// translated into transport errors and successful mutations refresh the pair
// gauges and mint a synthetic transaction hash for callers to correlate logs
// against.
type LendModule struct {
	engine  *lend.Engine
	journal *journal.Journal
}

// NewLendModule wires the module to a running engine and the event journal.
func NewLendModule(engine *lend.Engine, jnl *journal.Journal) *LendModule {
	return &LendModule{engine: engine, journal: jnl}
}

func (m *LendModule) moduleUnavailable() *ModuleError {
	return &ModuleError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: "lend module not available"}
}

// InitPair writes the initial pair state.
func (m *LendModule) InitPair(owner crypto.Address, params lend.RiskParameters, oracleSource, rateSource string) (string, *ModuleError) {
	if m == nil || m.engine == nil {
		return "", m.moduleUnavailable()
	}
	if err := m.engine.InitPair(owner, params, oracleSource, rateSource); err != nil {
		return "", m.wrapError(err)
	}
	m.refreshGauges()
	return m.makeTxHash("init-pair", owner.String()), nil
}

// Deposit supplies asset tokens and reports the shares minted.
func (m *LendModule) Deposit(caller crypto.Address, amount *big.Int) (string, *big.Int, *ModuleError) {
	if m == nil || m.engine == nil {
		return "", nil, m.moduleUnavailable()
	}
	shares, err := m.engine.Deposit(caller, amount)
	if err != nil {
		return "", nil, m.wrapError(err)
	}
	m.refreshGauges()
	return m.makeTxHash("deposit", caller.String(), amount, shares), shares, nil
}

// Withdraw redeems asset tokens by amount and reports the shares burned.
func (m *LendModule) Withdraw(caller crypto.Address, amount *big.Int) (string, *big.Int, *ModuleError) {
	if m == nil || m.engine == nil {
		return "", nil, m.moduleUnavailable()
	}
	shares, err := m.engine.Withdraw(caller, amount)
	if err != nil {
		return "", nil, m.wrapError(err)
	}
	m.refreshGauges()
	return m.makeTxHash("withdraw", caller.String(), amount, shares), shares, nil
}

// Redeem burns supply shares and reports the asset amount released.
func (m *LendModule) Redeem(caller crypto.Address, shares *big.Int) (string, *big.Int, *ModuleError) {
	if m == nil || m.engine == nil {
		return "", nil, m.moduleUnavailable()
	}
	amount, err := m.engine.Redeem(caller, shares)
	if err != nil {
		return "", nil, m.wrapError(err)
	}
	m.refreshGauges()
	return m.makeTxHash("redeem", caller.String(), shares, amount), amount, nil
}

// AddCollateral pledges collateral tokens to the caller's position.
func (m *LendModule) AddCollateral(caller crypto.Address, amount *big.Int) (string, *ModuleError) {
	if m == nil || m.engine == nil {
		return "", m.moduleUnavailable()
	}
	if err := m.engine.AddCollateral(caller, amount); err != nil {
		return "", m.wrapError(err)
	}
	m.refreshGauges()
	return m.makeTxHash("add-collateral", caller.String(), amount), nil
}

// RemoveCollateral releases collateral from the caller's position.
func (m *LendModule) RemoveCollateral(caller crypto.Address, amount *big.Int) (string, *ModuleError) {
	if m == nil || m.engine == nil {
		return "", m.moduleUnavailable()
	}
	if err := m.engine.RemoveCollateral(caller, amount); err != nil {
		return "", m.wrapError(err)
	}
	m.refreshGauges()
	return m.makeTxHash("remove-collateral", caller.String(), amount), nil
}

// Borrow draws asset tokens against the caller's collateral and reports the
// debt shares issued.
func (m *LendModule) Borrow(caller crypto.Address, amount *big.Int) (string, *big.Int, *ModuleError) {
	if m == nil || m.engine == nil {
		return "", nil, m.moduleUnavailable()
	}
	shares, err := m.engine.Borrow(caller, amount)
	if err != nil {
		return "", nil, m.wrapError(err)
	}
	m.refreshGauges()
	return m.makeTxHash("borrow", caller.String(), amount, shares), shares, nil
}

// Repay retires debt shares and reports the asset amount settled.
func (m *LendModule) Repay(caller crypto.Address, shares *big.Int) (string, *big.Int, *ModuleError) {
	if m == nil || m.engine == nil {
		return "", nil, m.moduleUnavailable()
	}
	amount, err := m.engine.Repay(caller, shares)
	if err != nil {
		return "", nil, m.wrapError(err)
	}
	m.refreshGauges()
	return m.makeTxHash("repay", caller.String(), shares, amount), amount, nil
}

// Liquidate settles an insolvent borrower's debt shares.
func (m *LendModule) Liquidate(liquidator, borrower crypto.Address, shares *big.Int) (string, *lend.LiquidationResult, *ModuleError) {
	if m == nil || m.engine == nil {
		return "", nil, m.moduleUnavailable()
	}
	result, err := m.engine.Liquidate(liquidator, borrower, shares)
	if err != nil {
		return "", nil, m.wrapError(err)
	}
	m.refreshGauges()
	primary := fmt.Sprintf("%s:%s", liquidator.String(), borrower.String())
	return m.makeTxHash("liquidate", primary, result.RepaidAmount, result.SeizedCollateral), result, nil
}

// AccrueInterest applies interest owed since the previous tick.
func (m *LendModule) AccrueInterest() (string, *lend.AccrualResult, *ModuleError) {
	if m == nil || m.engine == nil {
		return "", nil, m.moduleUnavailable()
	}
	result, err := m.engine.AccrueInterest()
	if err != nil {
		return "", nil, m.wrapError(err)
	}
	m.refreshGauges()
	return m.makeTxHash("accrue", "pair", result.Interest), result, nil
}

// WithdrawFees sweeps accumulated protocol fees to the recipient.
func (m *LendModule) WithdrawFees(caller, recipient crypto.Address) (string, *big.Int, *ModuleError) {
	if m == nil || m.engine == nil {
		return "", nil, m.moduleUnavailable()
	}
	amount, err := m.engine.WithdrawFees(caller, recipient)
	if err != nil {
		return "", nil, m.wrapError(err)
	}
	m.refreshGauges()
	primary := fmt.Sprintf("%s:%s", caller.String(), recipient.String())
	return m.makeTxHash("withdraw-fees", primary, amount), amount, nil
}

// ZapDeposit converts an outside token and supplies the proceeds.
func (m *LendModule) ZapDeposit(caller crypto.Address, token string, amount *big.Int) (string, *big.Int, *ModuleError) {
	if m == nil || m.engine == nil {
		return "", nil, m.moduleUnavailable()
	}
	shares, err := m.engine.ZapDeposit(caller, token, amount)
	if err != nil {
		return "", nil, m.wrapError(err)
	}
	m.refreshGauges()
	primary := fmt.Sprintf("%s:%s", caller.String(), strings.ToUpper(strings.TrimSpace(token)))
	return m.makeTxHash("zap-deposit", primary, amount, shares), shares, nil
}

// ZapAddCollateral converts an outside token and pledges the proceeds.
func (m *LendModule) ZapAddCollateral(caller crypto.Address, token string, amount *big.Int) (string, *big.Int, *ModuleError) {
	if m == nil || m.engine == nil {
		return "", nil, m.moduleUnavailable()
	}
	pledged, err := m.engine.ZapAddCollateral(caller, token, amount)
	if err != nil {
		return "", nil, m.wrapError(err)
	}
	m.refreshGauges()
	primary := fmt.Sprintf("%s:%s", caller.String(), strings.ToUpper(strings.TrimSpace(token)))
	return m.makeTxHash("zap-add-collateral", primary, amount, pledged), pledged, nil
}

// adminCall funnels the owner and timelock operations that mutate switches or
// parameters and share the no-payload result shape.
func (m *LendModule) adminCall(kind, primary string, fn func() error) (string, *ModuleError) {
	if m == nil || m.engine == nil {
		return "", m.moduleUnavailable()
	}
	if err := fn(); err != nil {
		return "", m.wrapError(err)
	}
	m.refreshGauges()
	return m.makeTxHash(kind, primary), nil
}

// Pause halts every operation category at once.
func (m *LendModule) Pause(caller crypto.Address) (string, *ModuleError) {
	return m.adminCall("pause", caller.String(), func() error { return m.engine.Pause(caller) })
}

// Unpause lifts the global pause.
func (m *LendModule) Unpause(caller crypto.Address) (string, *ModuleError) {
	return m.adminCall("unpause", caller.String(), func() error { return m.engine.Unpause(caller) })
}

// PauseCategory halts a single operation category.
func (m *LendModule) PauseCategory(caller crypto.Address, cat lend.Category) (string, *ModuleError) {
	primary := fmt.Sprintf("%s:%s", caller.String(), cat)
	return m.adminCall("pause-category", primary, func() error { return m.engine.PauseCategory(caller, cat) })
}

// UnpauseCategory lifts a single category pause.
func (m *LendModule) UnpauseCategory(caller crypto.Address, cat lend.Category) (string, *ModuleError) {
	primary := fmt.Sprintf("%s:%s", caller.String(), cat)
	return m.adminCall("unpause-category", primary, func() error { return m.engine.UnpauseCategory(caller, cat) })
}

// RevokeCategory permanently freezes a category active.
func (m *LendModule) RevokeCategory(caller crypto.Address, cat lend.Category) (string, *ModuleError) {
	primary := fmt.Sprintf("%s:%s", caller.String(), cat)
	return m.adminCall("revoke-category", primary, func() error { return m.engine.RevokeCategory(caller, cat) })
}

// SetMaxLTV updates the loan-to-value ceiling.
func (m *LendModule) SetMaxLTV(caller crypto.Address, bps uint64) (string, *ModuleError) {
	primary := fmt.Sprintf("%s:%d", caller.String(), bps)
	return m.adminCall("set-max-ltv", primary, func() error { return m.engine.SetMaxLTV(caller, bps) })
}

// RevokeMaxLTVSetter permanently disables the max LTV setter.
func (m *LendModule) RevokeMaxLTVSetter(caller crypto.Address) (string, *ModuleError) {
	return m.adminCall("revoke-max-ltv-setter", caller.String(), func() error { return m.engine.RevokeMaxLTVSetter(caller) })
}

// SetOracle switches the pair to a registered price source.
func (m *LendModule) SetOracle(caller crypto.Address, name string) (string, *ModuleError) {
	primary := fmt.Sprintf("%s:%s", caller.String(), strings.ToLower(strings.TrimSpace(name)))
	return m.adminCall("set-oracle", primary, func() error { return m.engine.SetOracle(caller, name) })
}

// SetRateContract switches the pair to a registered rate model.
func (m *LendModule) SetRateContract(caller crypto.Address, name string) (string, *ModuleError) {
	primary := fmt.Sprintf("%s:%s", caller.String(), strings.ToLower(strings.TrimSpace(name)))
	return m.adminCall("set-rate-contract", primary, func() error { return m.engine.SetRateContract(caller, name) })
}

// SetLiquidationFees updates the liquidation premium schedule.
func (m *LendModule) SetLiquidationFees(caller crypto.Address, cleanBps, dirtyBps, protocolBps, thresholdBps uint64) (string, *ModuleError) {
	primary := fmt.Sprintf("%s:%d:%d:%d:%d", caller.String(), cleanBps, dirtyBps, protocolBps, thresholdBps)
	return m.adminCall("set-liquidation-fees", primary, func() error {
		return m.engine.SetLiquidationFees(caller, cleanBps, dirtyBps, protocolBps, thresholdBps)
	})
}

// SetMaxOracleDeviation updates the price movement gate.
func (m *LendModule) SetMaxOracleDeviation(caller crypto.Address, bps uint64) (string, *ModuleError) {
	primary := fmt.Sprintf("%s:%d", caller.String(), bps)
	return m.adminCall("set-max-oracle-deviation", primary, func() error { return m.engine.SetMaxOracleDeviation(caller, bps) })
}

// SetDepositLimit caps the asset pool. A nil limit removes the cap.
func (m *LendModule) SetDepositLimit(caller crypto.Address, limit *big.Int) (string, *ModuleError) {
	return m.adminCall("set-deposit-limit", caller.String(), func() error { return m.engine.SetDepositLimit(caller, limit) })
}

// SetBorrowLimit caps the borrow pool. A nil limit removes the cap.
func (m *LendModule) SetBorrowLimit(caller crypto.Address, limit *big.Int) (string, *ModuleError) {
	return m.adminCall("set-borrow-limit", caller.String(), func() error { return m.engine.SetBorrowLimit(caller, limit) })
}

// PairAccounting reports the pair ledgers, optionally with pending interest
// applied.
func (m *LendModule) PairAccounting(previewInterest bool) (*lend.PairAccounting, *ModuleError) {
	if m == nil || m.engine == nil {
		return nil, m.moduleUnavailable()
	}
	acct, err := m.engine.PairAccounting(previewInterest)
	if err != nil {
		return nil, m.wrapError(err)
	}
	return acct, nil
}

// UserSnapshot reports one account's position at current exchange rates.
func (m *LendModule) UserSnapshot(addr crypto.Address) (*lend.UserSnapshot, *ModuleError) {
	if m == nil || m.engine == nil {
		return nil, m.moduleUnavailable()
	}
	snapshot, err := m.engine.UserSnapshot(addr)
	if err != nil {
		return nil, m.wrapError(err)
	}
	return snapshot, nil
}

// Parameters reports the pair's risk parameter set.
func (m *LendModule) Parameters() (lend.RiskParameters, *ModuleError) {
	if m == nil || m.engine == nil {
		return lend.RiskParameters{}, m.moduleUnavailable()
	}
	params, err := m.engine.Parameters()
	if err != nil {
		return lend.RiskParameters{}, m.wrapError(err)
	}
	return params, nil
}

// AccessStatus reports the per-category switch states.
func (m *LendModule) AccessStatus() (lend.AccessControls, *ModuleError) {
	if m == nil || m.engine == nil {
		return lend.AccessControls{}, m.moduleUnavailable()
	}
	access, err := m.engine.AccessStatus()
	if err != nil {
		return lend.AccessControls{}, m.wrapError(err)
	}
	return access, nil
}

// Metadata reports the supply share token descriptors.
func (m *LendModule) Metadata() (lend.ShareMetadata, *ModuleError) {
	if m == nil || m.engine == nil {
		return lend.ShareMetadata{}, m.moduleUnavailable()
	}
	meta, err := m.engine.Metadata()
	if err != nil {
		return lend.ShareMetadata{}, m.wrapError(err)
	}
	return meta, nil
}

// PreviewAccrue reports what an accrual tick would do without persisting it.
func (m *LendModule) PreviewAccrue() (*lend.AccrualPreview, *ModuleError) {
	if m == nil || m.engine == nil {
		return nil, m.moduleUnavailable()
	}
	preview, err := m.engine.PreviewAccrue()
	if err != nil {
		return nil, m.wrapError(err)
	}
	return preview, nil
}

// ConvertShares translates between share and amount units for either vault
// leg. toShares selects the conversion direction.
func (m *LendModule) ConvertShares(leg string, value *big.Int, toShares, roundUp, previewInterest bool) (*big.Int, *ModuleError) {
	if m == nil || m.engine == nil {
		return nil, m.moduleUnavailable()
	}
	var (
		converted *big.Int
		err       error
	)
	switch strings.ToLower(strings.TrimSpace(leg)) {
	case "asset":
		if toShares {
			converted, err = m.engine.ConvertToAssetShares(value, roundUp, previewInterest)
		} else {
			converted, err = m.engine.ConvertToAssetAmount(value, roundUp, previewInterest)
		}
	case "borrow":
		if toShares {
			converted, err = m.engine.ConvertToBorrowShares(value, roundUp, previewInterest)
		} else {
			converted, err = m.engine.ConvertToBorrowAmount(value, roundUp, previewInterest)
		}
	default:
		return nil, &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: "leg must be asset or borrow"}
	}
	if err != nil {
		return nil, m.wrapError(err)
	}
	return converted, nil
}

// Events reads journalled engine events within the supplied bounds.
func (m *LendModule) Events(q journal.Query) ([]journal.Entry, *ModuleError) {
	if m == nil || m.journal == nil {
		return nil, &ModuleError{HTTPStatus: http.StatusServiceUnavailable, Code: codeServerError, Message: "event journal not available"}
	}
	entries, err := m.journal.Events(q)
	if err != nil {
		return nil, m.wrapError(err)
	}
	return entries, nil
}

func (m *LendModule) refreshGauges() {
	acct, err := m.engine.PairAccounting(false)
	if err != nil || acct == nil {
		return
	}
	metrics := observability.PairMetrics()
	metrics.RecordAccounting(acct.TotalAsset.Amount, acct.TotalBorrow.Amount, acct.TotalCollateral, acct.ProtocolFees, acct.CurrentRate, acct.LastAccrual)
	for _, cat := range lend.Categories() {
		metrics.RecordCategoryPause(string(cat), acct.Access.Paused(cat))
	}
}

// makeTxHash derives a deterministic-looking receipt hash from the operation
// payload, the journal position, and the wall clock.
func (m *LendModule) makeTxHash(kind, primary string, amounts ...*big.Int) string {
	parts := []string{kind, primary}
	for _, amount := range amounts {
		if amount != nil {
			parts = append(parts, amount.String())
		}
	}
	var sequence uint64
	if m != nil && m.journal != nil {
		sequence = m.journal.LastSequence()
	}
	parts = append(parts, fmt.Sprintf("%d", sequence))
	parts = append(parts, fmt.Sprintf("%d", time.Now().UTC().UnixNano()))
	payload := strings.Join(parts, "|")
	hash := ethcrypto.Keccak256([]byte(payload))
	return "0x" + hex.EncodeToString(hash)
}

func (m *LendModule) wrapError(err error) *ModuleError {
	if err == nil {
		return nil
	}
	status := http.StatusInternalServerError
	code := codeServerError
	switch {
	case errors.Is(err, lend.ErrPairNotInitialised), errors.Is(err, lend.ErrNoDebt):
		status = http.StatusNotFound
		code = codeInvalidParams
	case errors.Is(err, lend.ErrPermissionDenied),
		errors.Is(err, lend.ErrSetterRevoked),
		errors.Is(err, lend.ErrAccessControlRevoked),
		errors.Is(err, lend.ErrAlreadyRevoked):
		status = http.StatusForbidden
		code = codeUnauthorized
	case errors.Is(err, lend.ErrOperationInProgress):
		status = http.StatusConflict
		code = codeServerError
	case strings.HasPrefix(err.Error(), "lend: "):
		status = http.StatusBadRequest
		code = codeInvalidParams
	}
	return &ModuleError{HTTPStatus: status, Code: code, Message: err.Error()}
}
