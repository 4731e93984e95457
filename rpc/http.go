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
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"blmnsale/core/events"
	"blmnsale/core/state"
	"blmnsale/native/ledger"
	"blmnsale/native/presale"
	"blmnsale/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	rateLimitWindow = time.Minute
	maxTxPerWindow  = 30
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

type rateLimiter struct {
	count       int
	windowStart time.Time
}

// Server exposes the ledger and presale engines over JSON-RPC.
type Server struct {
	ledger  *ledger.Engine
	presale *presale.Engine
	state   *state.Manager
	events  *events.Recorder

	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter
	authToken    string
	manualOracle *presale.ManualOracle
	httpSrv      *http.Server
}

// NewServer builds a Server around the supplied engines. The bearer token
// protecting mutating calls is read from the environment variable named by
// tokenEnv.
func NewServer(ledgerEngine *ledger.Engine, presaleEngine *presale.Engine, manager *state.Manager, recorder *events.Recorder, tokenEnv string) *Server {
	token := strings.TrimSpace(os.Getenv(tokenEnv))
	return &Server{
		ledger:       ledgerEngine,
		presale:      presaleEngine,
		state:        manager,
		events:       recorder,
		rateLimiters: make(map[string]*rateLimiter),
		authToken:    token,
	}
}

// SetManualOracle wires the daemon's manual price reader so operators can
// inject a rate over RPC during incidents.
func (s *Server) SetManualOracle(oracle *presale.ManualOracle) {
	s.manualOracle = oracle
}

// Handler returns the root JSON-RPC handler. Tests and the gateway proxy mount
// it directly.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Server) Start(addr string) error {
	slog.Info("starting JSON-RPC server", "addr", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()
	return srv.ListenAndServe()
}

// Shutdown drains in-flight RPC requests. Safe to call before Start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
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

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	started := time.Now()
	outcome := s.dispatch(w, r, req)
	observability.ModuleMetrics().Observe(methodModule(req.Method), req.Method, outcome, time.Since(started).Seconds())
}

// dispatch routes a parsed request and reports the outcome label recorded in
// the module metrics.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	switch req.Method {
	case "ledger_getInfo":
		s.handleLedgerGetInfo(w, r, req)
	case "ledger_getBalance":
		s.handleLedgerGetBalance(w, r, req)
	case "ledger_getAllowance":
		s.handleLedgerGetAllowance(w, r, req)
	case "ledger_transfer":
		if !s.authorizeMutation(w, r, req) {
			return "unauthorized"
		}
		s.handleLedgerTransfer(w, r, req)
	case "ledger_transferFrom":
		if !s.authorizeMutation(w, r, req) {
			return "unauthorized"
		}
		s.handleLedgerTransferFrom(w, r, req)
	case "ledger_approve":
		if !s.authorizeMutation(w, r, req) {
			return "unauthorized"
		}
		s.handleLedgerApprove(w, r, req)
	case "ledger_burn":
		if !s.authorizeMutation(w, r, req) {
			return "unauthorized"
		}
		s.handleLedgerBurn(w, r, req)
	case "ledger_setTransferLock":
		if !s.authorizeMutation(w, r, req) {
			return "unauthorized"
		}
		s.handleLedgerSetTransferLock(w, r, req)
	case "ledger_transferOwnership":
		if !s.authorizeMutation(w, r, req) {
			return "unauthorized"
		}
		s.handleLedgerTransferOwnership(w, r, req)
	case "presale_getStatus":
		s.handlePresaleGetStatus(w, r, req)
	case "presale_getStage":
		s.handlePresaleGetStage(w, r, req)
	case "presale_getUser":
		s.handlePresaleGetUser(w, r, req)
	case "presale_getReceipt":
		s.handlePresaleGetReceipt(w, r, req)
	case "presale_listReceipts":
		s.handlePresaleListReceipts(w, r, req)
	case "presale_createStage":
		if !s.authorizeMutation(w, r, req) {
			return "unauthorized"
		}
		s.handlePresaleCreateStage(w, r, req)
	case "presale_purchase":
		if !s.authorizeMutation(w, r, req) {
			return "unauthorized"
		}
		s.handlePresalePurchase(w, r, req)
	case "presale_endPresale":
		if !s.authorizeMutation(w, r, req) {
			return "unauthorized"
		}
		s.handlePresaleEnd(w, r, req)
	case "presale_updateStatus":
		if !s.authorizeMutation(w, r, req) {
			return "unauthorized"
		}
		s.handlePresaleUpdateStatus(w, r, req)
	case "presale_claim":
		if !s.authorizeMutation(w, r, req) {
			return "unauthorized"
		}
		s.handlePresaleClaim(w, r, req)
	case "presale_withdrawPayment":
		if !s.authorizeMutation(w, r, req) {
			return "unauthorized"
		}
		s.handlePresaleWithdrawPayment(w, r, req)
	case "presale_withdrawUnsold":
		if !s.authorizeMutation(w, r, req) {
			return "unauthorized"
		}
		s.handlePresaleWithdrawUnsold(w, r, req)
	case "oracle_setManualRate":
		if !s.authorizeMutation(w, r, req) {
			return "unauthorized"
		}
		s.handleOracleSetManualRate(w, r, req)
	case "events_list":
		s.handleEventsList(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
		return "not_found"
	}
	return "ok"
}

// authorizeMutation enforces bearer auth and per-source rate limiting on
// state-changing methods. It writes the error response itself on failure.
func (s *Server) authorizeMutation(w http.ResponseWriter, r *http.Request, req *RPCRequest) bool {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return false
	}
	source := clientSource(r)
	if !s.allowSource(source, time.Now()) {
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "mutation rate limit exceeded", source)
		return false
	}
	return true
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

func (s *Server) allowSource(source string, now time.Time) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.rateLimiters[source]
	if !ok {
		limiter = &rateLimiter{windowStart: now}
		s.rateLimiters[source] = limiter
	}
	if now.Sub(limiter.windowStart) >= rateLimitWindow {
		limiter.windowStart = now
		limiter.count = 0
	}
	if limiter.count >= maxTxPerWindow {
		return false
	}
	limiter.count++
	return true
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func methodModule(method string) string {
	if idx := strings.Index(method, "_"); idx > 0 {
		return method[:idx]
	}
	return method
}

type oracleSetManualRateParams struct {
	Caller    string `json:"caller"`
	Rate      string `json:"rate"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// handleOracleSetManualRate records an operator-supplied USD rate on the
// manual price reader. Restricted to the ledger owner on top of bearer auth so
// a leaked service token alone cannot steer pricing.
func (s *Server) handleOracleSetManualRate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if s.manualOracle == nil {
		writeError(w, http.StatusServiceUnavailable, req.ID, codeServerError, "manual oracle not configured", nil)
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params oracleSetManualRateParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := s.ledger.Owner()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal_error", err.Error())
		return
	}
	if caller != owner {
		writeError(w, http.StatusForbidden, req.ID, codeUnauthorized, "forbidden", "caller is not the ledger owner")
		return
	}
	ts := time.Now()
	if params.Timestamp > 0 {
		ts = time.Unix(params.Timestamp, 0)
	}
	if err := s.manualOracle.SetDecimal(params.Rate, ts); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	writeResult(w, req.ID, "ok")
}

type eventsListParams struct {
	Type  string `json:"type,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

func (s *Server) handleEventsList(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if s.events == nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "event feed unavailable", nil)
		return
	}
	var params eventsListParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	recorded := s.events.Events()
	filtered := recorded[:0:0]
	for _, evt := range recorded {
		if params.Type != "" && evt.Type != params.Type {
			continue
		}
		filtered = append(filtered, evt)
	}
	if params.Limit > 0 && len(filtered) > params.Limit {
		filtered = filtered[len(filtered)-params.Limit:]
	}
	writeResult(w, req.ID, filtered)
}
