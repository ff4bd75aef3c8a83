package lend

import "errors"

var (
	ErrNilState               = errors.New("lend: state not configured")
	ErrLedgerNotConfigured    = errors.New("lend: token ledger not configured")
	ErrPairNotInitialised     = errors.New("lend: pair not initialised")
	ErrPairExists             = errors.New("lend: pair already initialised")
	ErrInvalidAmount          = errors.New("lend: amount must be positive")
	ErrPermissionDenied       = errors.New("lend: permission denied")
	ErrSetterRevoked          = errors.New("lend: max ltv setter revoked")
	ErrAccessControlRevoked   = errors.New("lend: access control revoked")
	ErrAlreadyRevoked         = errors.New("lend: access control already revoked")
	ErrCategoryPaused         = errors.New("lend: operation category paused")
	ErrUnknownCategory        = errors.New("lend: unknown access control category")
	ErrOracleUnavailable      = errors.New("lend: oracle source not registered")
	ErrOracleStale            = errors.New("lend: oracle quote stale")
	ErrOracleInvalid          = errors.New("lend: oracle quote invalid")
	ErrOracleDeviation        = errors.New("lend: oracle deviation exceeded")
	ErrRateModelUnavailable   = errors.New("lend: rate model not registered")
	ErrInsufficientShares     = errors.New("lend: insufficient shares")
	ErrInsufficientLiquidity  = errors.New("lend: insufficient liquidity")
	ErrInsufficientCollateral = errors.New("lend: insufficient collateral")
	ErrExceedsMaxLTV          = errors.New("lend: position exceeds max ltv")
	ErrLimitExceeded          = errors.New("lend: limit exceeded")
	ErrNoDebt                 = errors.New("lend: no outstanding debt")
	ErrBorrowerSolvent        = errors.New("lend: borrower not eligible for liquidation")
	ErrTransferFailed         = errors.New("lend: token transfer failed")
	ErrOperationInProgress    = errors.New("lend: operation already in progress")
	ErrInvalidParams          = errors.New("lend: invalid risk parameters")
	ErrZapUnavailable         = errors.New("lend: liquidity zap not configured")
)
