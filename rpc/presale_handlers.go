package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"blmnsale/native/presale"
	"blmnsale/observability"
)

const (
	codePresaleInvalidParams = -32041
	codePresaleNotFound      = -32042
	codePresaleForbidden     = -32043
	codePresaleConflict      = -32044
	codePresaleInternal      = -32045
)

type presaleCreateStageParams struct {
	Caller   string `json:"caller"`
	PriceUSD string `json:"priceUsd"`
}

type presalePurchaseParams struct {
	Buyer       string `json:"buyer"`
	TokenAmount string `json:"tokenAmount"`
	PaymentWei  string `json:"paymentWei"`
}

type presaleCallerParams struct {
	Caller string `json:"caller"`
}

type presaleUpdateStatusParams struct {
	Caller          string `json:"caller"`
	Ended           bool   `json:"ended"`
	ClaimingEnabled bool   `json:"claimingEnabled"`
}

type presaleBuyerParams struct {
	Buyer string `json:"buyer"`
}

type presaleStageParams struct {
	ID uint64 `json:"id"`
}

type presaleReceiptParams struct {
	ID string `json:"id"`
}

type presaleStageJSON struct {
	ID        uint64 `json:"id"`
	PriceUSD  string `json:"priceUsd"`
	Active    bool   `json:"active"`
	CreatedAt int64  `json:"createdAt"`
}

type presaleUserJSON struct {
	Buyer       string `json:"buyer"`
	TokenAmount string `json:"tokenAmount"`
	PaidWei     string `json:"paidWei"`
	Claimed     bool   `json:"claimed"`
	StageID     uint64 `json:"stageId"`
}

type presaleReceiptJSON struct {
	ID           string `json:"id"`
	Buyer        string `json:"buyer"`
	StageID      uint64 `json:"stageId"`
	TokenAmount  string `json:"tokenAmount"`
	PaidWei      string `json:"paidWei"`
	RefundWei    string `json:"refundWei"`
	USDCost      string `json:"usdCost"`
	OracleRate   string `json:"oracleRate"`
	OracleSource string `json:"oracleSource"`
	CreatedAt    int64  `json:"createdAt"`
}

type presaleAmountResult struct {
	Amount string `json:"amount"`
}

func (s *Server) handlePresaleGetStatus(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", "no parameters expected")
		return
	}
	status, err := s.presale.Status()
	if err != nil {
		writePresaleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, status)
}

func (s *Server) handlePresaleGetStage(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params presaleStageParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", err.Error())
		return
	}
	stage, err := s.presale.Stage(params.ID)
	if err != nil {
		writePresaleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatStageJSON(stage))
}

func (s *Server) handlePresaleGetUser(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params presaleBuyerParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", err.Error())
		return
	}
	buyer, err := parseBech32Address(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", err.Error())
		return
	}
	entitlement, err := s.presale.Entitlement(buyer)
	if err != nil {
		writePresaleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, presaleUserJSON{
		Buyer:       params.Buyer,
		TokenAmount: entitlement.TokenAmount.String(),
		PaidWei:     entitlement.PaidWei.String(),
		Claimed:     entitlement.Claimed,
		StageID:     entitlement.StageID,
	})
}

func (s *Server) handlePresaleGetReceipt(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params presaleReceiptParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", err.Error())
		return
	}
	if s.state == nil {
		writeError(w, http.StatusInternalServerError, req.ID, codePresaleInternal, "internal_error", "state unavailable")
		return
	}
	receipt, ok, err := s.state.ReceiptGet(params.ID)
	if err != nil {
		writePresaleError(w, req.ID, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codePresaleNotFound, "not_found", "receipt not found")
		return
	}
	writeResult(w, req.ID, formatReceiptJSON(receipt))
}

func (s *Server) handlePresaleListReceipts(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", "no parameters expected")
		return
	}
	if s.state == nil {
		writeError(w, http.StatusInternalServerError, req.ID, codePresaleInternal, "internal_error", "state unavailable")
		return
	}
	receipts, err := s.state.ReceiptList()
	if err != nil {
		writePresaleError(w, req.ID, err)
		return
	}
	formatted := make([]presaleReceiptJSON, len(receipts))
	for i, receipt := range receipts {
		formatted[i] = formatReceiptJSON(receipt)
	}
	writeResult(w, req.ID, formatted)
}

func (s *Server) handlePresaleCreateStage(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params presaleCreateStageParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", err.Error())
		return
	}
	price, err := parsePositiveBigInt(params.PriceUSD)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", err.Error())
		return
	}
	stage, err := s.presale.CreateNextStage(caller, price)
	if err != nil {
		writePresaleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatStageJSON(stage))
}

func (s *Server) handlePresalePurchase(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params presalePurchaseParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", err.Error())
		return
	}
	buyer, err := parseBech32Address(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", err.Error())
		return
	}
	tokenAmount, err := parsePositiveBigInt(params.TokenAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", err.Error())
		return
	}
	payment, err := parsePositiveBigInt(params.PaymentWei)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", err.Error())
		return
	}
	receipt, err := s.presale.Purchase(buyer, tokenAmount, payment)
	if err != nil {
		writePresaleError(w, req.ID, err)
		return
	}
	observability.PresaleMetrics().RecordPurchase(receipt.PaidWei, receipt.RefundWei)
	writeResult(w, req.ID, formatReceiptJSON(receipt))
}

func (s *Server) handlePresaleEnd(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	caller, ok := s.decodeCallerParams(w, req)
	if !ok {
		return
	}
	if err := s.presale.EndPresale(caller); err != nil {
		writePresaleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handlePresaleUpdateStatus(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params presaleUpdateStatusParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.presale.UpdateStatus(caller, params.Ended, params.ClaimingEnabled); err != nil {
		writePresaleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handlePresaleClaim(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params presaleBuyerParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", err.Error())
		return
	}
	buyer, err := parseBech32Address(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := s.presale.Claim(buyer)
	if err != nil {
		writePresaleError(w, req.ID, err)
		return
	}
	observability.PresaleMetrics().RecordClaim()
	writeResult(w, req.ID, presaleAmountResult{Amount: amount.String()})
}

func (s *Server) handlePresaleWithdrawPayment(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	caller, ok := s.decodeCallerParams(w, req)
	if !ok {
		return
	}
	amount, err := s.presale.WithdrawPayment(caller)
	if err != nil {
		writePresaleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, presaleAmountResult{Amount: amount.String()})
}

func (s *Server) handlePresaleWithdrawUnsold(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	caller, ok := s.decodeCallerParams(w, req)
	if !ok {
		return
	}
	amount, err := s.presale.WithdrawUnsoldInventory(caller)
	if err != nil {
		writePresaleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, presaleAmountResult{Amount: amount.String()})
}

func (s *Server) decodeCallerParams(w http.ResponseWriter, req *RPCRequest) ([20]byte, bool) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", "exactly one parameter object expected")
		return [20]byte{}, false
	}
	var params presaleCallerParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", err.Error())
		return [20]byte{}, false
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePresaleInvalidParams, "invalid_params", err.Error())
		return [20]byte{}, false
	}
	return caller, true
}

func formatStageJSON(stage *presale.Stage) presaleStageJSON {
	return presaleStageJSON{
		ID:        stage.ID,
		PriceUSD:  stage.PriceUSD.String(),
		Active:    stage.Active,
		CreatedAt: stage.CreatedAt,
	}
}

func formatReceiptJSON(receipt *presale.Receipt) presaleReceiptJSON {
	return presaleReceiptJSON{
		ID:           receipt.ID,
		Buyer:        formatAddress(receipt.Buyer),
		StageID:      receipt.StageID,
		TokenAmount:  receipt.TokenAmount.String(),
		PaidWei:      receipt.PaidWei.String(),
		RefundWei:    receipt.RefundWei.String(),
		USDCost:      receipt.USDCost.String(),
		OracleRate:   receipt.OracleRate.String(),
		OracleSource: receipt.OracleSource,
		CreatedAt:    receipt.CreatedAt,
	}
}

func writePresaleError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, presale.ErrStageNotFound):
		writeError(w, http.StatusNotFound, id, codePresaleNotFound, "not_found", err.Error())
	case errors.Is(err, presale.ErrUnauthorized):
		writeError(w, http.StatusForbidden, id, codePresaleForbidden, "forbidden", err.Error())
	case errors.Is(err, presale.ErrAlreadyEnded),
		errors.Is(err, presale.ErrAlreadyClaimed),
		errors.Is(err, presale.ErrClaimingNotEnabled),
		errors.Is(err, presale.ErrPresaleNotEnded),
		errors.Is(err, presale.ErrNoActiveStage):
		writeError(w, http.StatusConflict, id, codePresaleConflict, "conflict", err.Error())
	case errors.Is(err, presale.ErrInvalidPrice),
		errors.Is(err, presale.ErrInvalidAmount),
		errors.Is(err, presale.ErrInvalidPurchaseAmount),
		errors.Is(err, presale.ErrInsufficientPayment),
		errors.Is(err, presale.ErrInsufficientFunds),
		errors.Is(err, presale.ErrNoEntitlement):
		writeError(w, http.StatusBadRequest, id, codePresaleInvalidParams, "invalid_params", err.Error())
	case errors.Is(err, presale.ErrInvalidPriceData):
		writeError(w, http.StatusServiceUnavailable, id, codePresaleInternal, "price_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, id, codePresaleInternal, "internal_error", err.Error())
	}
}
