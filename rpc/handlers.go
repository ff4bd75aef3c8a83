package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"taolend/crypto"
	"taolend/journal"
	"taolend/native/lend"
	"taolend/rpc/modules"
)

// rpcModuleError aliases the module-level error so handler funnels can name
// it without the package qualifier.
type rpcModuleError = modules.ModuleError

type lendInitPairParams struct {
	Owner                     string `json:"owner"`
	OracleSource              string `json:"oracleSource"`
	RateSource                string `json:"rateSource"`
	MaxLTVBps                 uint64 `json:"maxLtvBps"`
	CleanLiquidationFeeBps    uint64 `json:"cleanLiquidationFeeBps"`
	DirtyLiquidationFeeBps    uint64 `json:"dirtyLiquidationFeeBps"`
	ProtocolLiquidationFeeBps uint64 `json:"protocolLiquidationFeeBps"`
	DirtyThresholdBps         uint64 `json:"dirtyThresholdBps"`
	MaxOracleDeviationBps     uint64 `json:"maxOracleDeviationBps"`
	MaxPriceAgeSeconds        uint64 `json:"maxPriceAgeSeconds"`
	DepositLimit              string `json:"depositLimit,omitempty"`
	BorrowLimit               string `json:"borrowLimit,omitempty"`
}

type lendAmountParams struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type lendSharesParams struct {
	Caller string `json:"caller"`
	Shares string `json:"shares"`
}

type lendLiquidateParams struct {
	Liquidator string `json:"liquidator"`
	Borrower   string `json:"borrower"`
	Shares     string `json:"shares"`
}

type lendZapParams struct {
	Caller string `json:"caller"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type lendCallerParams struct {
	Caller string `json:"caller"`
}

type lendCategoryParams struct {
	Caller   string `json:"caller"`
	Category string `json:"category"`
}

type lendSetBpsParams struct {
	Caller string `json:"caller"`
	Bps    uint64 `json:"bps"`
}

type lendSetSourceParams struct {
	Caller string `json:"caller"`
	Name   string `json:"name"`
}

type lendSetFeesParams struct {
	Caller       string `json:"caller"`
	CleanBps     uint64 `json:"cleanBps"`
	DirtyBps     uint64 `json:"dirtyBps"`
	ProtocolBps  uint64 `json:"protocolBps"`
	ThresholdBps uint64 `json:"thresholdBps"`
}

type lendSetLimitParams struct {
	Caller string `json:"caller"`
	// Limit caps the pool in base units. Empty or absent removes the cap.
	Limit string `json:"limit,omitempty"`
}

type lendWithdrawFeesParams struct {
	Caller    string `json:"caller"`
	Recipient string `json:"recipient"`
}

type lendUserParams struct {
	Address string `json:"address"`
}

type lendAccountingParams struct {
	PreviewInterest bool `json:"previewInterest"`
}

type lendConvertParams struct {
	Leg             string `json:"leg"`
	Value           string `json:"value"`
	ToShares        bool   `json:"toShares"`
	RoundUp         bool   `json:"roundUp"`
	PreviewInterest bool   `json:"previewInterest"`
}

type lendEventsParams struct {
	Type         string `json:"type,omitempty"`
	FromSequence uint64 `json:"fromSequence,omitempty"`
	ToSequence   uint64 `json:"toSequence,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

type lendTxResult struct {
	TxHash string `json:"txHash"`
}

type lendSharesResult struct {
	TxHash string `json:"txHash"`
	Shares string `json:"shares"`
}

type lendAmountResult struct {
	TxHash string `json:"txHash"`
	Amount string `json:"amount"`
}

type lendVaultResult struct {
	Amount string `json:"amount"`
	Shares string `json:"shares"`
}

type lendAccessFlagsResult struct {
	Paused  bool `json:"paused"`
	Revoked bool `json:"revoked"`
}

type lendAccessResult struct {
	Repay     lendAccessFlagsResult `json:"repay"`
	Withdraw  lendAccessFlagsResult `json:"withdraw"`
	Liquidate lendAccessFlagsResult `json:"liquidate"`
	Interest  lendAccessFlagsResult `json:"interest"`
}

type lendAccountingResult struct {
	TotalAsset         lendVaultResult  `json:"totalAsset"`
	TotalBorrow        lendVaultResult  `json:"totalBorrow"`
	TotalCollateral    string           `json:"totalCollateral"`
	AvailableLiquidity string           `json:"availableLiquidity"`
	CurrentRate        string           `json:"currentRate"`
	LastAccrual        uint64           `json:"lastAccrual"`
	ProtocolFees       string           `json:"protocolFees"`
	Access             lendAccessResult `json:"access"`
}

type lendUserSnapshotResult struct {
	Address      string  `json:"address"`
	SupplyShares string  `json:"supplyShares"`
	SupplyAmount string  `json:"supplyAmount"`
	BorrowShares string  `json:"borrowShares"`
	BorrowAmount string  `json:"borrowAmount"`
	Collateral   string  `json:"collateral"`
	LTVBps       *string `json:"ltvBps,omitempty"`
}

type lendParametersResult struct {
	MaxLTVBps                 uint64 `json:"maxLtvBps"`
	CleanLiquidationFeeBps    uint64 `json:"cleanLiquidationFeeBps"`
	DirtyLiquidationFeeBps    uint64 `json:"dirtyLiquidationFeeBps"`
	ProtocolLiquidationFeeBps uint64 `json:"protocolLiquidationFeeBps"`
	DirtyThresholdBps         uint64 `json:"dirtyThresholdBps"`
	MaxOracleDeviationBps     uint64 `json:"maxOracleDeviationBps"`
	MaxPriceAgeSeconds        uint64 `json:"maxPriceAgeSeconds"`
	DepositLimit              string `json:"depositLimit,omitempty"`
	BorrowLimit               string `json:"borrowLimit,omitempty"`
}

type lendMetadataResult struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Decimals    uint8  `json:"decimals"`
	TotalSupply string `json:"totalSupply"`
}

type lendAccrualPreviewResult struct {
	TotalAsset    lendVaultResult `json:"totalAsset"`
	TotalBorrow   lendVaultResult `json:"totalBorrow"`
	Interest      string          `json:"interest"`
	RatePerSecond string          `json:"ratePerSecond"`
	Elapsed       uint64          `json:"elapsed"`
	Applied       bool            `json:"applied"`
}

type lendLiquidateResult struct {
	TxHash               string `json:"txHash"`
	RepaidShares         string `json:"repaidShares"`
	RepaidAmount         string `json:"repaidAmount"`
	SeizedCollateral     string `json:"seizedCollateral"`
	LiquidatorCollateral string `json:"liquidatorCollateral"`
	ProtocolFee          string `json:"protocolFee"`
	Dirty                bool   `json:"dirty"`
}

type lendAccrueResult struct {
	TxHash        string `json:"txHash"`
	Interest      string `json:"interest"`
	RatePerSecond string `json:"ratePerSecond"`
	Elapsed       uint64 `json:"elapsed"`
	Applied       bool   `json:"applied"`
}

type lendEventResult struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"timestamp"`
	Digest     string            `json:"digest"`
}

// decodeParams insists on exactly one object parameter. Views that take no
// arguments call handlers with optional set instead.
func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("expected exactly one parameter object")
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return fmt.Errorf("invalid parameter object: %s", err)
	}
	return nil
}

// decodeOptionalParams tolerates a missing parameter object, leaving out at
// its zero value.
func decodeOptionalParams(req *RPCRequest, out interface{}) error {
	switch len(req.Params) {
	case 0:
		return nil
	case 1:
		if err := json.Unmarshal(req.Params[0], out); err != nil {
			return fmt.Errorf("invalid parameter object: %s", err)
		}
		return nil
	default:
		return fmt.Errorf("too many parameters")
	}
}

func parseLendAddress(field, value string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return crypto.Address{}, fmt.Errorf("%s address required", field)
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid %s address: %s", field, err)
	}
	return addr, nil
}

func parseLendAmount(field, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%s required", field)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s: not a base-10 integer", field)
	}
	return amount, nil
}

// parseLendLimit treats the empty string as "no cap".
func parseLendLimit(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	return parseLendAmount("limit", trimmed)
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func vaultResult(v *lend.VaultAccount) lendVaultResult {
	if v == nil {
		return lendVaultResult{Amount: "0", Shares: "0"}
	}
	return lendVaultResult{Amount: bigString(v.Amount), Shares: bigString(v.Shares)}
}

func accessResult(a lend.AccessControls) lendAccessResult {
	return lendAccessResult{
		Repay:     lendAccessFlagsResult{Paused: a.Repay.Paused, Revoked: a.Repay.Revoked},
		Withdraw:  lendAccessFlagsResult{Paused: a.Withdraw.Paused, Revoked: a.Withdraw.Revoked},
		Liquidate: lendAccessFlagsResult{Paused: a.Liquidate.Paused, Revoked: a.Liquidate.Revoked},
		Interest:  lendAccessFlagsResult{Paused: a.Interest.Paused, Revoked: a.Interest.Revoked},
	}
}

func writeModuleError(w http.ResponseWriter, id interface{}, err *rpcModuleError) {
	writeError(w, err.HTTPStatus, id, err.Code, err.Message, err.Data)
}

func writeParamError(w http.ResponseWriter, id interface{}, err error) {
	writeError(w, http.StatusBadRequest, id, codeInvalidParams, err.Error(), nil)
}

func (s *Server) handleLendInitPair(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params lendInitPairParams
	if err := decodeParams(req, &params); err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	owner, err := parseLendAddress("owner", params.Owner)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	depositLimit, err := parseLendLimit(params.DepositLimit)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	borrowLimit, err := parseLendLimit(params.BorrowLimit)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	risk := lend.RiskParameters{
		MaxLTVBps:                 params.MaxLTVBps,
		CleanLiquidationFeeBps:    params.CleanLiquidationFeeBps,
		DirtyLiquidationFeeBps:    params.DirtyLiquidationFeeBps,
		ProtocolLiquidationFeeBps: params.ProtocolLiquidationFeeBps,
		DirtyThresholdBps:         params.DirtyThresholdBps,
		MaxOracleDeviationBps:     params.MaxOracleDeviationBps,
		MaxPriceAgeSeconds:        params.MaxPriceAgeSeconds,
		DepositLimit:              depositLimit,
		BorrowLimit:               borrowLimit,
	}
	txHash, moduleErr := s.lend.InitPair(owner, risk, params.OracleSource, params.RateSource)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, lendTxResult{TxHash: txHash})
}

// handleLendAmountOp funnels the deposit/withdraw style operations that take
// (caller, amount) and answer with the shares moved.
func (s *Server) handleLendAmountOp(w http.ResponseWriter, r *http.Request, req *RPCRequest, op func(crypto.Address, *big.Int) (string, *big.Int, *rpcModuleError)) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params lendAmountParams
	if err := decodeParams(req, &params); err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	caller, err := parseLendAddress("caller", params.Caller)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	amount, err := parseLendAmount("amount", params.Amount)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	txHash, shares, moduleErr := op(caller, amount)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, lendSharesResult{TxHash: txHash, Shares: bigString(shares)})
}

func (s *Server) handleLendDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleLendAmountOp(w, r, req, s.lend.Deposit)
}

func (s *Server) handleLendWithdraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleLendAmountOp(w, r, req, s.lend.Withdraw)
}

func (s *Server) handleLendBorrow(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleLendAmountOp(w, r, req, s.lend.Borrow)
}

// handleLendSharesOp funnels the redeem/repay operations that take
// (caller, shares) and answer with the asset amount moved.
func (s *Server) handleLendSharesOp(w http.ResponseWriter, r *http.Request, req *RPCRequest, op func(crypto.Address, *big.Int) (string, *big.Int, *rpcModuleError)) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params lendSharesParams
	if err := decodeParams(req, &params); err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	caller, err := parseLendAddress("caller", params.Caller)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	shares, err := parseLendAmount("shares", params.Shares)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	txHash, amount, moduleErr := op(caller, shares)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, lendAmountResult{TxHash: txHash, Amount: bigString(amount)})
}

func (s *Server) handleLendRedeem(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleLendSharesOp(w, r, req, s.lend.Redeem)
}

func (s *Server) handleLendRepay(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleLendSharesOp(w, r, req, s.lend.Repay)
}

// handleLendCollateralOp funnels the collateral add/remove operations that
// answer with just a receipt hash.
func (s *Server) handleLendCollateralOp(w http.ResponseWriter, r *http.Request, req *RPCRequest, op func(crypto.Address, *big.Int) (string, *rpcModuleError)) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params lendAmountParams
	if err := decodeParams(req, &params); err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	caller, err := parseLendAddress("caller", params.Caller)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	amount, err := parseLendAmount("amount", params.Amount)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	txHash, moduleErr := op(caller, amount)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, lendTxResult{TxHash: txHash})
}

func (s *Server) handleLendAddCollateral(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleLendCollateralOp(w, r, req, s.lend.AddCollateral)
}

func (s *Server) handleLendRemoveCollateral(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleLendCollateralOp(w, r, req, s.lend.RemoveCollateral)
}

func (s *Server) handleLendLiquidate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params lendLiquidateParams
	if err := decodeParams(req, &params); err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	liquidator, err := parseLendAddress("liquidator", params.Liquidator)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	borrower, err := parseLendAddress("borrower", params.Borrower)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	shares, err := parseLendAmount("shares", params.Shares)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	txHash, result, moduleErr := s.lend.Liquidate(liquidator, borrower, shares)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, lendLiquidateResult{
		TxHash:               txHash,
		RepaidShares:         bigString(result.RepaidShares),
		RepaidAmount:         bigString(result.RepaidAmount),
		SeizedCollateral:     bigString(result.SeizedCollateral),
		LiquidatorCollateral: bigString(result.LiquidatorCollateral),
		ProtocolFee:          bigString(result.ProtocolFee),
		Dirty:                result.Dirty,
	})
}

func (s *Server) handleLendAccrueInterest(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	if len(req.Params) != 0 {
		writeParamError(w, req.ID, fmt.Errorf("no parameters expected"))
		return
	}
	txHash, result, moduleErr := s.lend.AccrueInterest()
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, lendAccrueResult{
		TxHash:        txHash,
		Interest:      bigString(result.Interest),
		RatePerSecond: bigString(result.RatePerSecond),
		Elapsed:       result.Elapsed,
		Applied:       result.Applied,
	})
}

func (s *Server) handleLendWithdrawFees(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params lendWithdrawFeesParams
	if err := decodeParams(req, &params); err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	caller, err := parseLendAddress("caller", params.Caller)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	recipient, err := parseLendAddress("recipient", params.Recipient)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	txHash, amount, moduleErr := s.lend.WithdrawFees(caller, recipient)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, lendAmountResult{TxHash: txHash, Amount: bigString(amount)})
}

// handleLendZapOp funnels the zap conversions that take (caller, token,
// amount) and answer with the proceeds routed into the pair.
func (s *Server) handleLendZapOp(w http.ResponseWriter, r *http.Request, req *RPCRequest, op func(crypto.Address, string, *big.Int) (string, *big.Int, *rpcModuleError)) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params lendZapParams
	if err := decodeParams(req, &params); err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	caller, err := parseLendAddress("caller", params.Caller)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	if strings.TrimSpace(params.Token) == "" {
		writeParamError(w, req.ID, fmt.Errorf("token required"))
		return
	}
	amount, err := parseLendAmount("amount", params.Amount)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	txHash, proceeds, moduleErr := op(caller, params.Token, amount)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, lendAmountResult{TxHash: txHash, Amount: bigString(proceeds)})
}

func (s *Server) handleLendZapDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleLendZapOp(w, r, req, s.lend.ZapDeposit)
}

func (s *Server) handleLendZapAddCollateral(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleLendZapOp(w, r, req, s.lend.ZapAddCollateral)
}

// handleLendCallerOp funnels the global pause style transitions taking only
// the acting address.
func (s *Server) handleLendCallerOp(w http.ResponseWriter, r *http.Request, req *RPCRequest, op func(crypto.Address) (string, *rpcModuleError)) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params lendCallerParams
	if err := decodeParams(req, &params); err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	caller, err := parseLendAddress("caller", params.Caller)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	txHash, moduleErr := op(caller)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, lendTxResult{TxHash: txHash})
}

func (s *Server) handleLendPause(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleLendCallerOp(w, r, req, s.lend.Pause)
}

func (s *Server) handleLendUnpause(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleLendCallerOp(w, r, req, s.lend.Unpause)
}

func (s *Server) handleLendRevokeMaxLTVSetter(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleLendCallerOp(w, r, req, s.lend.RevokeMaxLTVSetter)
}

// handleLendCategoryOp funnels the per-category pause transitions.
func (s *Server) handleLendCategoryOp(w http.ResponseWriter, r *http.Request, req *RPCRequest, op func(crypto.Address, lend.Category) (string, *rpcModuleError)) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params lendCategoryParams
	if err := decodeParams(req, &params); err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	caller, err := parseLendAddress("caller", params.Caller)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	cat := lend.Category(strings.ToLower(strings.TrimSpace(params.Category)))
	if !cat.Valid() {
		writeParamError(w, req.ID, fmt.Errorf("unknown category %q", params.Category))
		return
	}
	txHash, moduleErr := op(caller, cat)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, lendTxResult{TxHash: txHash})
}

func (s *Server) handleLendPauseCategory(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleLendCategoryOp(w, r, req, s.lend.PauseCategory)
}

func (s *Server) handleLendUnpauseCategory(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleLendCategoryOp(w, r, req, s.lend.UnpauseCategory)
}

func (s *Server) handleLendRevokeCategory(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleLendCategoryOp(w, r, req, s.lend.RevokeCategory)
}

func (s *Server) handleLendSetMaxLTV(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params lendSetBpsParams
	if err := decodeParams(req, &params); err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	caller, err := parseLendAddress("caller", params.Caller)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	txHash, moduleErr := s.lend.SetMaxLTV(caller, params.Bps)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, lendTxResult{TxHash: txHash})
}

func (s *Server) handleLendSetMaxOracleDeviation(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params lendSetBpsParams
	if err := decodeParams(req, &params); err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	caller, err := parseLendAddress("caller", params.Caller)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	txHash, moduleErr := s.lend.SetMaxOracleDeviation(caller, params.Bps)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, lendTxResult{TxHash: txHash})
}

// handleLendSetSource funnels the oracle and rate-model switches.
func (s *Server) handleLendSetSource(w http.ResponseWriter, r *http.Request, req *RPCRequest, op func(crypto.Address, string) (string, *rpcModuleError)) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params lendSetSourceParams
	if err := decodeParams(req, &params); err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	caller, err := parseLendAddress("caller", params.Caller)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	if strings.TrimSpace(params.Name) == "" {
		writeParamError(w, req.ID, fmt.Errorf("name required"))
		return
	}
	txHash, moduleErr := op(caller, params.Name)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, lendTxResult{TxHash: txHash})
}

func (s *Server) handleLendSetOracle(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleLendSetSource(w, r, req, s.lend.SetOracle)
}

func (s *Server) handleLendSetRateContract(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleLendSetSource(w, r, req, s.lend.SetRateContract)
}

func (s *Server) handleLendSetLiquidationFees(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params lendSetFeesParams
	if err := decodeParams(req, &params); err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	caller, err := parseLendAddress("caller", params.Caller)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	txHash, moduleErr := s.lend.SetLiquidationFees(caller, params.CleanBps, params.DirtyBps, params.ProtocolBps, params.ThresholdBps)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, lendTxResult{TxHash: txHash})
}

// handleLendSetLimit funnels the deposit and borrow cap setters.
func (s *Server) handleLendSetLimit(w http.ResponseWriter, r *http.Request, req *RPCRequest, op func(crypto.Address, *big.Int) (string, *rpcModuleError)) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params lendSetLimitParams
	if err := decodeParams(req, &params); err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	caller, err := parseLendAddress("caller", params.Caller)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	limit, err := parseLendLimit(params.Limit)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	txHash, moduleErr := op(caller, limit)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, lendTxResult{TxHash: txHash})
}

func (s *Server) handleLendSetDepositLimit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleLendSetLimit(w, r, req, s.lend.SetDepositLimit)
}

func (s *Server) handleLendSetBorrowLimit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleLendSetLimit(w, r, req, s.lend.SetBorrowLimit)
}

func (s *Server) handleLendExportAudit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	if s.auditor == nil {
		writeError(w, http.StatusServiceUnavailable, req.ID, codeServerError, "audit exporter not configured", nil)
		return
	}
	run, err := s.auditor.Export()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, run)
}

func (s *Server) handleLendGetPairAccounting(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params lendAccountingParams
	if err := decodeOptionalParams(req, &params); err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	acct, moduleErr := s.lend.PairAccounting(params.PreviewInterest)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, lendAccountingResult{
		TotalAsset:         vaultResult(acct.TotalAsset),
		TotalBorrow:        vaultResult(acct.TotalBorrow),
		TotalCollateral:    bigString(acct.TotalCollateral),
		AvailableLiquidity: bigString(acct.AvailableLiquidity),
		CurrentRate:        bigString(acct.CurrentRate),
		LastAccrual:        acct.LastAccrual,
		ProtocolFees:       bigString(acct.ProtocolFees),
		Access:             accessResult(acct.Access),
	})
}

func (s *Server) handleLendGetUserSnapshot(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params lendUserParams
	if err := decodeParams(req, &params); err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	addr, err := parseLendAddress("address", params.Address)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	snapshot, moduleErr := s.lend.UserSnapshot(addr)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	result := lendUserSnapshotResult{
		Address:      snapshot.Address.String(),
		SupplyShares: bigString(snapshot.SupplyShares),
		SupplyAmount: bigString(snapshot.SupplyAmount),
		BorrowShares: bigString(snapshot.BorrowShares),
		BorrowAmount: bigString(snapshot.BorrowAmount),
		Collateral:   bigString(snapshot.Collateral),
	}
	if snapshot.LTVBps != nil {
		ltv := snapshot.LTVBps.String()
		result.LTVBps = &ltv
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleLendGetParameters(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeParamError(w, req.ID, fmt.Errorf("no parameters expected"))
		return
	}
	params, moduleErr := s.lend.Parameters()
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	result := lendParametersResult{
		MaxLTVBps:                 params.MaxLTVBps,
		CleanLiquidationFeeBps:    params.CleanLiquidationFeeBps,
		DirtyLiquidationFeeBps:    params.DirtyLiquidationFeeBps,
		ProtocolLiquidationFeeBps: params.ProtocolLiquidationFeeBps,
		DirtyThresholdBps:         params.DirtyThresholdBps,
		MaxOracleDeviationBps:     params.MaxOracleDeviationBps,
		MaxPriceAgeSeconds:        params.MaxPriceAgeSeconds,
	}
	if params.DepositLimit != nil {
		result.DepositLimit = params.DepositLimit.String()
	}
	if params.BorrowLimit != nil {
		result.BorrowLimit = params.BorrowLimit.String()
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleLendGetAccessStatus(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeParamError(w, req.ID, fmt.Errorf("no parameters expected"))
		return
	}
	access, moduleErr := s.lend.AccessStatus()
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, accessResult(access))
}

func (s *Server) handleLendGetShareMetadata(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeParamError(w, req.ID, fmt.Errorf("no parameters expected"))
		return
	}
	meta, moduleErr := s.lend.Metadata()
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, lendMetadataResult{
		Name:        meta.Name,
		Symbol:      meta.Symbol,
		Decimals:    meta.Decimals,
		TotalSupply: bigString(meta.TotalSupply),
	})
}

func (s *Server) handleLendPreviewAccrue(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeParamError(w, req.ID, fmt.Errorf("no parameters expected"))
		return
	}
	preview, moduleErr := s.lend.PreviewAccrue()
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	result := lendAccrualPreviewResult{
		TotalAsset:  vaultResult(preview.TotalAsset),
		TotalBorrow: vaultResult(preview.TotalBorrow),
	}
	if preview.Result != nil {
		result.Interest = bigString(preview.Result.Interest)
		result.RatePerSecond = bigString(preview.Result.RatePerSecond)
		result.Elapsed = preview.Result.Elapsed
		result.Applied = preview.Result.Applied
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleLendConvertShares(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params lendConvertParams
	if err := decodeParams(req, &params); err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	value, err := parseLendAmount("value", params.Value)
	if err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	converted, moduleErr := s.lend.ConvertShares(params.Leg, value, params.ToShares, params.RoundUp, params.PreviewInterest)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, map[string]string{"converted": bigString(converted)})
}

func (s *Server) handleLendGetEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params lendEventsParams
	if err := decodeOptionalParams(req, &params); err != nil {
		writeParamError(w, req.ID, err)
		return
	}
	entries, moduleErr := s.lend.Events(journal.Query{
		Type:         params.Type,
		FromSequence: params.FromSequence,
		ToSequence:   params.ToSequence,
		Limit:        params.Limit,
	})
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	results := make([]lendEventResult, 0, len(entries))
	for _, entry := range entries {
		attrs, err := entry.DecodeAttributes()
		if err != nil {
			writeError(w, http.StatusInternalServerError, req.ID, codeServerError, err.Error(), nil)
			return
		}
		results = append(results, lendEventResult{
			Sequence:   entry.Sequence,
			Type:       entry.Type,
			Attributes: attrs,
			Timestamp:  entry.Timestamp,
			Digest:     entry.Digest,
		})
	}
	writeResult(w, req.ID, results)
}
