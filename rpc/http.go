package rpc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taolend/audit"
	"taolend/journal"
	"taolend/observability"
	"taolend/rpc/modules"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
)

// Server exposes the lending engine over JSON-RPC plus a metrics endpoint and
// a websocket event stream. Mutating methods require the bearer token from
// TAOLEND_RPC_TOKEN.
type Server struct {
	lend    *modules.LendModule
	journal *journal.Journal
	auditor *audit.Exporter
	logger  *slog.Logger

	authToken string

	mu   sync.Mutex
	http *http.Server
}

func NewServer(lend *modules.LendModule, jnl *journal.Journal, auditor *audit.Exporter, logger *slog.Logger) *Server {
	token := strings.TrimSpace(os.Getenv("TAOLEND_RPC_TOKEN"))
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		lend:      lend,
		journal:   jnl,
		auditor:   auditor,
		logger:    logger,
		authToken: token,
	}
}

// Handler builds the route table. Exposed so tests can drive the server
// through httptest without binding a socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	return mux
}

// Start serves until the listener fails or Shutdown is called. The event
// stream holds connections open, so no server-wide write timeout is set;
// websocket writes carry their own per-frame deadline.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()
	s.logger.Info("rpc: listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// statusRecorder captures the final status code for the request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	method := "unknown"
	started := time.Now()
	defer func() {
		observability.ModuleMetrics().Observe("rpc", method, rec.status, time.Since(started))
	}()

	reader := http.MaxBytesReader(rec, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	rec.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(rec, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(rec, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(rec, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(rec, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(rec, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}
	method = req.Method

	switch req.Method {
	case "lend_initPair":
		s.handleLendInitPair(rec, r, req)
	case "lend_deposit":
		s.handleLendDeposit(rec, r, req)
	case "lend_withdraw":
		s.handleLendWithdraw(rec, r, req)
	case "lend_redeem":
		s.handleLendRedeem(rec, r, req)
	case "lend_addCollateral":
		s.handleLendAddCollateral(rec, r, req)
	case "lend_removeCollateral":
		s.handleLendRemoveCollateral(rec, r, req)
	case "lend_borrow":
		s.handleLendBorrow(rec, r, req)
	case "lend_repay":
		s.handleLendRepay(rec, r, req)
	case "lend_liquidate":
		s.handleLendLiquidate(rec, r, req)
	case "lend_accrueInterest":
		s.handleLendAccrueInterest(rec, r, req)
	case "lend_withdrawFees":
		s.handleLendWithdrawFees(rec, r, req)
	case "lend_zapDeposit":
		s.handleLendZapDeposit(rec, r, req)
	case "lend_zapAddCollateral":
		s.handleLendZapAddCollateral(rec, r, req)
	case "lend_pause":
		s.handleLendPause(rec, r, req)
	case "lend_unpause":
		s.handleLendUnpause(rec, r, req)
	case "lend_pauseCategory":
		s.handleLendPauseCategory(rec, r, req)
	case "lend_unpauseCategory":
		s.handleLendUnpauseCategory(rec, r, req)
	case "lend_revokeCategory":
		s.handleLendRevokeCategory(rec, r, req)
	case "lend_setMaxLTV":
		s.handleLendSetMaxLTV(rec, r, req)
	case "lend_revokeMaxLTVSetter":
		s.handleLendRevokeMaxLTVSetter(rec, r, req)
	case "lend_setOracle":
		s.handleLendSetOracle(rec, r, req)
	case "lend_setRateContract":
		s.handleLendSetRateContract(rec, r, req)
	case "lend_setLiquidationFees":
		s.handleLendSetLiquidationFees(rec, r, req)
	case "lend_setMaxOracleDeviation":
		s.handleLendSetMaxOracleDeviation(rec, r, req)
	case "lend_setDepositLimit":
		s.handleLendSetDepositLimit(rec, r, req)
	case "lend_setBorrowLimit":
		s.handleLendSetBorrowLimit(rec, r, req)
	case "lend_exportAudit":
		s.handleLendExportAudit(rec, r, req)
	case "lend_getPairAccounting":
		s.handleLendGetPairAccounting(rec, r, req)
	case "lend_getUserSnapshot":
		s.handleLendGetUserSnapshot(rec, r, req)
	case "lend_getParameters":
		s.handleLendGetParameters(rec, r, req)
	case "lend_getAccessStatus":
		s.handleLendGetAccessStatus(rec, r, req)
	case "lend_getShareMetadata":
		s.handleLendGetShareMetadata(rec, r, req)
	case "lend_previewAccrue":
		s.handleLendPreviewAccrue(rec, r, req)
	case "lend_convertShares":
		s.handleLendConvertShares(rec, r, req)
	case "lend_getEvents":
		s.handleLendGetEvents(rec, r, req)
	default:
		writeError(rec, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}
