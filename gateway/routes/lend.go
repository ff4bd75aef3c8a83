package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// maxBridgeBody bounds request bodies forwarded to the node.
const maxBridgeBody = 1 << 20

// LendBridge translates the gateway's REST surface into node JSON-RPC calls.
// Request bodies are forwarded verbatim as the method's parameter object, so
// the node stays the single authority on parameter validation.
type LendBridge struct {
	client *nodeClient
	logger *slog.Logger
}

func NewLendBridge(nodeURL, nodeToken string, timeout time.Duration, logger *slog.Logger) *LendBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &LendBridge{
		client: newNodeClient(nodeURL, nodeToken, timeout),
		logger: logger,
	}
}

// QueryRoutes exposes the read-only pair and position views.
func (b *LendBridge) QueryRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/pair", b.getPair)
	r.Get("/positions/{address}", b.getPosition)
	r.Get("/parameters", b.forwardGet("lend_getParameters"))
	r.Get("/access", b.forwardGet("lend_getAccessStatus"))
	r.Get("/metadata", b.forwardGet("lend_getShareMetadata"))
	r.Get("/preview-accrue", b.forwardGet("lend_previewAccrue"))
	r.Get("/convert", b.getConvert)
	r.Get("/events", b.getEvents)
	return r
}

// TxRoutes exposes the position-mutating operations.
func (b *LendBridge) TxRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/deposit", b.forwardPost("lend_deposit"))
	r.Post("/withdraw", b.forwardPost("lend_withdraw"))
	r.Post("/redeem", b.forwardPost("lend_redeem"))
	r.Post("/collateral/add", b.forwardPost("lend_addCollateral"))
	r.Post("/collateral/remove", b.forwardPost("lend_removeCollateral"))
	r.Post("/borrow", b.forwardPost("lend_borrow"))
	r.Post("/repay", b.forwardPost("lend_repay"))
	r.Post("/liquidate", b.forwardPost("lend_liquidate"))
	r.Post("/accrue", b.forwardPost("lend_accrueInterest"))
	r.Post("/zap/deposit", b.forwardPost("lend_zapDeposit"))
	r.Post("/zap/collateral", b.forwardPost("lend_zapAddCollateral"))
	return r
}

// AdminRoutes exposes the operator and timelock controls.
func (b *LendBridge) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/init", b.forwardPost("lend_initPair"))
	r.Post("/pause", b.forwardPost("lend_pause"))
	r.Post("/unpause", b.forwardPost("lend_unpause"))
	r.Post("/categories/pause", b.forwardPost("lend_pauseCategory"))
	r.Post("/categories/unpause", b.forwardPost("lend_unpauseCategory"))
	r.Post("/categories/revoke", b.forwardPost("lend_revokeCategory"))
	r.Post("/max-ltv", b.forwardPost("lend_setMaxLTV"))
	r.Post("/max-ltv/revoke", b.forwardPost("lend_revokeMaxLTVSetter"))
	r.Post("/oracle", b.forwardPost("lend_setOracle"))
	r.Post("/rate-contract", b.forwardPost("lend_setRateContract"))
	r.Post("/liquidation-fees", b.forwardPost("lend_setLiquidationFees"))
	r.Post("/oracle-deviation", b.forwardPost("lend_setMaxOracleDeviation"))
	r.Post("/limits/deposit", b.forwardPost("lend_setDepositLimit"))
	r.Post("/limits/borrow", b.forwardPost("lend_setBorrowLimit"))
	r.Post("/fees/withdraw", b.forwardPost("lend_withdrawFees"))
	r.Post("/audit/export", b.forwardPost("lend_exportAudit"))
	return r
}

// forwardPost forwards the JSON request body as the method's parameter
// object.
func (b *LendBridge) forwardPost(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBridgeBody))
		if err != nil {
			writeBridgeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		var params json.RawMessage
		if len(body) > 0 {
			if !json.Valid(body) {
				writeBridgeError(w, http.StatusBadRequest, "request body must be valid JSON")
				return
			}
			params = body
		}
		b.call(w, r, method, params)
	}
}

// forwardGet invokes a parameterless view method.
func (b *LendBridge) forwardGet(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.call(w, r, method, nil)
	}
}

func (b *LendBridge) getPair(w http.ResponseWriter, r *http.Request) {
	params := map[string]bool{}
	if preview, err := queryBool(r, "preview"); err != nil {
		writeBridgeError(w, http.StatusBadRequest, err.Error())
		return
	} else if preview {
		params["previewInterest"] = true
	}
	b.callObject(w, r, "lend_getPairAccounting", params)
}

func (b *LendBridge) getPosition(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if address == "" {
		writeBridgeError(w, http.StatusBadRequest, "address required")
		return
	}
	b.callObject(w, r, "lend_getUserSnapshot", map[string]string{"address": address})
}

func (b *LendBridge) getConvert(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	params := map[string]interface{}{
		"leg":   query.Get("leg"),
		"value": query.Get("value"),
	}
	for _, flag := range []string{"toShares", "roundUp", "previewInterest"} {
		value, err := queryBool(r, flag)
		if err != nil {
			writeBridgeError(w, http.StatusBadRequest, err.Error())
			return
		}
		params[flag] = value
	}
	b.callObject(w, r, "lend_convertShares", params)
}

func (b *LendBridge) getEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	params := map[string]interface{}{}
	for name, key := range map[string]string{"from": "fromSequence", "to": "toSequence"} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		sequence, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeBridgeError(w, http.StatusBadRequest, name+" must be a sequence number")
			return
		}
		params[key] = sequence
	}
	if limit := query.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeBridgeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		params["limit"] = n
	}
	if kind := query.Get("type"); kind != "" {
		params["type"] = kind
	}
	b.callObject(w, r, "lend_getEvents", params)
}

func (b *LendBridge) callObject(w http.ResponseWriter, r *http.Request, method string, params interface{}) {
	encoded, err := json.Marshal(params)
	if err != nil {
		writeBridgeError(w, http.StatusInternalServerError, "failed to encode parameters")
		return
	}
	b.call(w, r, method, encoded)
}

func (b *LendBridge) call(w http.ResponseWriter, r *http.Request, method string, params json.RawMessage) {
	result, err := b.client.Call(r.Context(), method, params)
	if err != nil {
		var nodeErr *callError
		if errors.As(err, &nodeErr) {
			b.logger.Warn("gateway: node rejected call",
				slog.String("method", method),
				slog.Int("status", nodeErr.Status),
				slog.Int("code", nodeErr.Err.Code))
			writeBridgeError(w, nodeErr.Status, nodeErr.Err.Message)
			return
		}
		b.logger.Error("gateway: node call failed",
			slog.String("method", method),
			slog.String("error", err.Error()))
		writeBridgeError(w, http.StatusBadGateway, "lending node unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(result)
}

func writeBridgeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func queryBool(r *http.Request, key string) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", key)
	}
	return value, nil
}
