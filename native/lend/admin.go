package lend

import (
	"math/big"
	"strconv"
	"strings"

	"taolend/crypto"
)

// Pause halts new exposure in one sweep: deposit and borrow limits drop to
// zero, every revocable category is paused, and interest accrual stops after
// a final tick capturing what is owed up to this moment.
func (e *Engine) Pause(caller crypto.Address) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if !e.mu.TryLock() {
		return ErrOperationInProgress
	}
	defer e.mu.Unlock()

	pair, err := e.ensurePair()
	if err != nil {
		return err
	}
	if err := e.requireOperator(pair, caller); err != nil {
		return err
	}
	now := e.nowUnix()
	accrual, err := e.computeAccrual(pair, now)
	if err != nil {
		return err
	}

	pair.Params.DepositLimit = big.NewInt(0)
	pair.Params.BorrowLimit = big.NewInt(0)
	for _, cat := range Categories() {
		flags := pair.Access.flags(cat)
		if flags.Revoked {
			continue
		}
		flags.Paused = true
		if cat == CategoryInterest {
			pair.LastAccrual = now
		}
	}

	if err := e.state.LendPutPair(pair); err != nil {
		return err
	}
	e.emitAccrual(accrual)
	e.emit(newPairPauseEvent(EventTypePairPaused, caller))
	return nil
}

// Unpause reverses a global pause: limits return to unbounded and every
// revocable category resumes. Interest restarts from now, so the paused
// window never accrues.
func (e *Engine) Unpause(caller crypto.Address) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if !e.mu.TryLock() {
		return ErrOperationInProgress
	}
	defer e.mu.Unlock()

	pair, err := e.ensurePair()
	if err != nil {
		return err
	}
	if err := e.requireTimelock(pair, caller); err != nil {
		return err
	}
	now := e.nowUnix()
	accrual, err := e.computeAccrual(pair, now)
	if err != nil {
		return err
	}

	pair.Params.DepositLimit = nil
	pair.Params.BorrowLimit = nil
	for _, cat := range Categories() {
		flags := pair.Access.flags(cat)
		if flags.Revoked || !flags.Paused {
			continue
		}
		if cat == CategoryInterest {
			pair.LastAccrual = now
		}
		flags.Paused = false
	}

	if err := e.state.LendPutPair(pair); err != nil {
		return err
	}
	e.emitAccrual(accrual)
	e.emit(newPairPauseEvent(EventTypePairUnpaused, caller))
	return nil
}

// PauseCategory halts a single operation category. Pausing interest ticks the
// accrual first so interest owed while active is captured before the clock
// stops.
func (e *Engine) PauseCategory(caller crypto.Address, cat Category) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if !e.mu.TryLock() {
		return ErrOperationInProgress
	}
	defer e.mu.Unlock()
	if !cat.Valid() {
		return ErrUnknownCategory
	}

	pair, err := e.ensurePair()
	if err != nil {
		return err
	}
	if err := e.requireOperator(pair, caller); err != nil {
		return err
	}
	flags := pair.Access.flags(cat)
	if flags.Revoked {
		return ErrAccessControlRevoked
	}
	if flags.Paused {
		return nil
	}

	var accrual *AccrualResult
	now := e.nowUnix()
	if cat == CategoryInterest {
		accrual, err = e.computeAccrual(pair, now)
		if err != nil {
			return err
		}
		pair.LastAccrual = now
	}
	flags.Paused = true

	if err := e.state.LendPutPair(pair); err != nil {
		return err
	}
	e.emitAccrual(accrual)
	e.emit(newAccessEvent(EventTypeAccessPaused, caller, cat))
	return nil
}

// UnpauseCategory resumes a paused category. Resuming interest restarts the
// accrual clock from now.
func (e *Engine) UnpauseCategory(caller crypto.Address, cat Category) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if !e.mu.TryLock() {
		return ErrOperationInProgress
	}
	defer e.mu.Unlock()
	if !cat.Valid() {
		return ErrUnknownCategory
	}

	pair, err := e.ensurePair()
	if err != nil {
		return err
	}
	if err := e.requireTimelock(pair, caller); err != nil {
		return err
	}
	flags := pair.Access.flags(cat)
	if flags.Revoked {
		return ErrAccessControlRevoked
	}
	if !flags.Paused {
		return nil
	}

	if cat == CategoryInterest {
		pair.LastAccrual = e.nowUnix()
	}
	flags.Paused = false

	if err := e.state.LendPutPair(pair); err != nil {
		return err
	}
	e.emit(newAccessEvent(EventTypeAccessUnpaused, caller, cat))
	return nil
}

// RevokeCategory permanently freezes a category in the active state. The
// category can never be paused again.
func (e *Engine) RevokeCategory(caller crypto.Address, cat Category) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if !e.mu.TryLock() {
		return ErrOperationInProgress
	}
	defer e.mu.Unlock()
	if !cat.Valid() {
		return ErrUnknownCategory
	}

	pair, err := e.ensurePair()
	if err != nil {
		return err
	}
	if err := e.requireTimelock(pair, caller); err != nil {
		return err
	}
	flags := pair.Access.flags(cat)
	if flags.Revoked {
		return ErrAlreadyRevoked
	}
	if cat == CategoryInterest && flags.Paused {
		pair.LastAccrual = e.nowUnix()
	}
	flags.Paused = false
	flags.Revoked = true

	if err := e.state.LendPutPair(pair); err != nil {
		return err
	}
	e.emit(newAccessEvent(EventTypeAccessRevoked, caller, cat))
	return nil
}

// SetMaxLTV updates the borrow ceiling. It fails once the setter has been
// revoked.
func (e *Engine) SetMaxLTV(caller crypto.Address, bps uint64) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if !e.mu.TryLock() {
		return ErrOperationInProgress
	}
	defer e.mu.Unlock()

	pair, err := e.ensurePair()
	if err != nil {
		return err
	}
	if err := e.requireTimelock(pair, caller); err != nil {
		return err
	}
	if pair.MaxLTVRevoked {
		return ErrSetterRevoked
	}
	updated := pair.Params.Clone()
	updated.MaxLTVBps = bps
	if err := updated.Validate(); err != nil {
		return err
	}
	prior := pair.Params.MaxLTVBps
	pair.Params = updated

	if err := e.state.LendPutPair(pair); err != nil {
		return err
	}
	e.emit(newParamUpdatedEvent(caller, "maxLTV", formatBps(prior), formatBps(bps)))
	return nil
}

// RevokeMaxLTVSetter disables SetMaxLTV forever, fixing the current ceiling.
func (e *Engine) RevokeMaxLTVSetter(caller crypto.Address) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if !e.mu.TryLock() {
		return ErrOperationInProgress
	}
	defer e.mu.Unlock()

	pair, err := e.ensurePair()
	if err != nil {
		return err
	}
	if err := e.requireTimelock(pair, caller); err != nil {
		return err
	}
	if pair.MaxLTVRevoked {
		return ErrAlreadyRevoked
	}
	pair.MaxLTVRevoked = true

	if err := e.state.LendPutPair(pair); err != nil {
		return err
	}
	e.emit(newMaxLTVRevokedEvent(caller))
	return nil
}

// SetOracle switches the pair to a registered price source.
func (e *Engine) SetOracle(caller crypto.Address, name string) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if !e.mu.TryLock() {
		return ErrOperationInProgress
	}
	defer e.mu.Unlock()

	pair, err := e.ensurePair()
	if err != nil {
		return err
	}
	if err := e.requireTimelock(pair, caller); err != nil {
		return err
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if _, ok := e.oracles[key]; !ok {
		return ErrOracleUnavailable
	}
	prior := pair.OracleSource
	pair.OracleSource = key

	if err := e.state.LendPutPair(pair); err != nil {
		return err
	}
	e.emit(newParamUpdatedEvent(caller, "oracleSource", prior, key))
	return nil
}

// SetRateContract switches the pair to a registered rate model. Interest owed
// under the outgoing model accrues first so the switch never rewrites past
// windows.
func (e *Engine) SetRateContract(caller crypto.Address, name string) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if !e.mu.TryLock() {
		return ErrOperationInProgress
	}
	defer e.mu.Unlock()

	pair, err := e.ensurePair()
	if err != nil {
		return err
	}
	if err := e.requireTimelock(pair, caller); err != nil {
		return err
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if _, ok := e.rates[key]; !ok {
		return ErrRateModelUnavailable
	}
	accrual, err := e.computeAccrual(pair, e.nowUnix())
	if err != nil {
		return err
	}
	prior := pair.RateSource
	pair.RateSource = key

	if err := e.state.LendPutPair(pair); err != nil {
		return err
	}
	e.emitAccrual(accrual)
	e.emit(newParamUpdatedEvent(caller, "rateSource", prior, key))
	return nil
}

// SetLiquidationFees updates the premium tiers and the dirty threshold in one
// call. Unchanged fields emit no event.
func (e *Engine) SetLiquidationFees(caller crypto.Address, cleanBps, dirtyBps, protocolBps, thresholdBps uint64) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if !e.mu.TryLock() {
		return ErrOperationInProgress
	}
	defer e.mu.Unlock()

	pair, err := e.ensurePair()
	if err != nil {
		return err
	}
	if err := e.requireTimelock(pair, caller); err != nil {
		return err
	}
	updated := pair.Params.Clone()
	updated.CleanLiquidationFeeBps = cleanBps
	updated.DirtyLiquidationFeeBps = dirtyBps
	updated.ProtocolLiquidationFeeBps = protocolBps
	updated.DirtyThresholdBps = thresholdBps
	if err := updated.Validate(); err != nil {
		return err
	}
	prior := pair.Params
	pair.Params = updated

	if err := e.state.LendPutPair(pair); err != nil {
		return err
	}
	if prior.CleanLiquidationFeeBps != cleanBps {
		e.emit(newParamUpdatedEvent(caller, "cleanLiquidationFee", formatBps(prior.CleanLiquidationFeeBps), formatBps(cleanBps)))
	}
	if prior.DirtyLiquidationFeeBps != dirtyBps {
		e.emit(newParamUpdatedEvent(caller, "dirtyLiquidationFee", formatBps(prior.DirtyLiquidationFeeBps), formatBps(dirtyBps)))
	}
	if prior.ProtocolLiquidationFeeBps != protocolBps {
		e.emit(newParamUpdatedEvent(caller, "protocolLiquidationFee", formatBps(prior.ProtocolLiquidationFeeBps), formatBps(protocolBps)))
	}
	if prior.DirtyThresholdBps != thresholdBps {
		e.emit(newParamUpdatedEvent(caller, "dirtyThreshold", formatBps(prior.DirtyThresholdBps), formatBps(thresholdBps)))
	}
	return nil
}

// SetMaxOracleDeviation updates the per-read deviation bound. Zero disables
// the gate.
func (e *Engine) SetMaxOracleDeviation(caller crypto.Address, bps uint64) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if !e.mu.TryLock() {
		return ErrOperationInProgress
	}
	defer e.mu.Unlock()

	pair, err := e.ensurePair()
	if err != nil {
		return err
	}
	if err := e.requireTimelock(pair, caller); err != nil {
		return err
	}
	prior := pair.Params.MaxOracleDeviationBps
	pair.Params.MaxOracleDeviationBps = bps

	if err := e.state.LendPutPair(pair); err != nil {
		return err
	}
	e.emit(newParamUpdatedEvent(caller, "maxOracleDeviation", formatBps(prior), formatBps(bps)))
	return nil
}

// SetDepositLimit caps total supplied asset. A nil limit removes the cap.
func (e *Engine) SetDepositLimit(caller crypto.Address, limit *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if !e.mu.TryLock() {
		return ErrOperationInProgress
	}
	defer e.mu.Unlock()
	if limit != nil && limit.Sign() < 0 {
		return ErrInvalidParams
	}

	pair, err := e.ensurePair()
	if err != nil {
		return err
	}
	if err := e.requireTimelock(pair, caller); err != nil {
		return err
	}
	prior := pair.Params.DepositLimit
	pair.Params.DepositLimit = cloneBigInt(limit)

	if err := e.state.LendPutPair(pair); err != nil {
		return err
	}
	e.emit(newParamUpdatedEvent(caller, "depositLimit", formatLimit(prior), formatLimit(limit)))
	return nil
}

// SetBorrowLimit caps total borrowed asset. A nil limit removes the cap.
func (e *Engine) SetBorrowLimit(caller crypto.Address, limit *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if !e.mu.TryLock() {
		return ErrOperationInProgress
	}
	defer e.mu.Unlock()
	if limit != nil && limit.Sign() < 0 {
		return ErrInvalidParams
	}

	pair, err := e.ensurePair()
	if err != nil {
		return err
	}
	if err := e.requireTimelock(pair, caller); err != nil {
		return err
	}
	prior := pair.Params.BorrowLimit
	pair.Params.BorrowLimit = cloneBigInt(limit)

	if err := e.state.LendPutPair(pair); err != nil {
		return err
	}
	e.emit(newParamUpdatedEvent(caller, "borrowLimit", formatLimit(prior), formatLimit(limit)))
	return nil
}

func formatBps(bps uint64) string {
	return strconv.FormatUint(bps, 10)
}

func formatLimit(limit *big.Int) string {
	if limit == nil {
		return "unbounded"
	}
	return limit.String()
}
