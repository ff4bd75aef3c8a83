package lend

import (
	"math/big"
	"strconv"

	"taolend/core/types"
	"taolend/crypto"
)

const (
	EventTypePairInitialised   = "lend.pair.initialised"
	EventTypeDeposit           = "lend.deposit"
	EventTypeWithdraw          = "lend.withdraw"
	EventTypeCollateralAdded   = "lend.collateral.added"
	EventTypeCollateralRemoved = "lend.collateral.removed"
	EventTypeBorrow            = "lend.borrow"
	EventTypeRepay             = "lend.repay"
	EventTypeLiquidate         = "lend.liquidate"
	EventTypeInterestAccrued   = "lend.interest.accrued"
	EventTypeFeesWithdrawn     = "lend.fees.withdrawn"
	EventTypeParamUpdated      = "lend.param.updated"
	EventTypeMaxLTVRevoked     = "lend.maxltv.revoked"
	EventTypeAccessPaused      = "lend.access.paused"
	EventTypeAccessUnpaused    = "lend.access.unpaused"
	EventTypeAccessRevoked     = "lend.access.revoked"
	EventTypePairPaused        = "lend.pair.paused"
	EventTypePairUnpaused      = "lend.pair.unpaused"
)

func newPairInitialisedEvent(owner crypto.Address) *types.Event {
	attrs := map[string]string{"owner": owner.String()}
	return &types.Event{Type: EventTypePairInitialised, Attributes: attrs}
}

func newLedgerEvent(eventType string, caller crypto.Address, amount, shares *big.Int) *types.Event {
	attrs := make(map[string]string)
	attrs["account"] = caller.String()
	if amount != nil {
		attrs["amount"] = amount.String()
	}
	if shares != nil {
		attrs["shares"] = shares.String()
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newCollateralEvent(eventType string, caller crypto.Address, amount *big.Int) *types.Event {
	attrs := make(map[string]string)
	attrs["account"] = caller.String()
	if amount != nil {
		attrs["amount"] = amount.String()
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newLiquidateEvent(liquidator, borrower crypto.Address, result *LiquidationResult) *types.Event {
	attrs := make(map[string]string)
	attrs["liquidator"] = liquidator.String()
	attrs["borrower"] = borrower.String()
	if result == nil {
		return &types.Event{Type: EventTypeLiquidate, Attributes: attrs}
	}
	if result.RepaidShares != nil {
		attrs["repaidShares"] = result.RepaidShares.String()
	}
	if result.RepaidAmount != nil {
		attrs["repaidAmount"] = result.RepaidAmount.String()
	}
	if result.SeizedCollateral != nil {
		attrs["seizedCollateral"] = result.SeizedCollateral.String()
	}
	if result.ProtocolFee != nil {
		attrs["protocolFee"] = result.ProtocolFee.String()
	}
	attrs["dirty"] = strconv.FormatBool(result.Dirty)
	return &types.Event{Type: EventTypeLiquidate, Attributes: attrs}
}

func newInterestAccruedEvent(interest, rate *big.Int, elapsed uint64) *types.Event {
	attrs := make(map[string]string)
	if interest != nil {
		attrs["interest"] = interest.String()
	}
	if rate != nil {
		attrs["ratePerSecond"] = rate.String()
	}
	attrs["elapsed"] = strconv.FormatUint(elapsed, 10)
	return &types.Event{Type: EventTypeInterestAccrued, Attributes: attrs}
}

func newFeesWithdrawnEvent(recipient crypto.Address, collateralAmount *big.Int) *types.Event {
	attrs := make(map[string]string)
	attrs["recipient"] = recipient.String()
	if collateralAmount != nil {
		attrs["collateralAmount"] = collateralAmount.String()
	}
	return &types.Event{Type: EventTypeFeesWithdrawn, Attributes: attrs}
}

func newParamUpdatedEvent(caller crypto.Address, param, prior, updated string) *types.Event {
	attrs := map[string]string{
		"caller": caller.String(),
		"param":  param,
		"prior":  prior,
		"new":    updated,
	}
	return &types.Event{Type: EventTypeParamUpdated, Attributes: attrs}
}

func newMaxLTVRevokedEvent(caller crypto.Address) *types.Event {
	attrs := map[string]string{"caller": caller.String()}
	return &types.Event{Type: EventTypeMaxLTVRevoked, Attributes: attrs}
}

func newAccessEvent(eventType string, caller crypto.Address, cat Category) *types.Event {
	attrs := map[string]string{
		"caller":   caller.String(),
		"category": string(cat),
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newPairPauseEvent(eventType string, caller crypto.Address) *types.Event {
	attrs := map[string]string{"caller": caller.String()}
	return &types.Event{Type: eventType, Attributes: attrs}
}
