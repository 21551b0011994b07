package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"shopledger/crypto"
	"shopledger/ledger"
)

const (
	codeShopInvalidParams = -32021
	codeShopNotFound      = -32022
	codeShopForbidden     = -32023
	codeShopConflict      = -32024
	codeShopInternal      = -32025
)

type shopBuyParams struct {
	Buyer   string `json:"buyer"`
	Payment string `json:"payment"`
}

type shopOrderActionParams struct {
	Caller string `json:"caller"`
	ID     string `json:"id"`
}

type shopCallerParams struct {
	Caller string `json:"caller"`
}

type shopTransferParams struct {
	Caller   string `json:"caller"`
	NewOwner string `json:"newOwner"`
}

type shopGetOrderParams struct {
	ID string `json:"id"`
}

type shopListOrdersParams struct {
	Buyer string `json:"buyer,omitempty"`
}

type shopBalanceParams struct {
	Address string `json:"address"`
}

type orderJSON struct {
	ID        string `json:"id"`
	Buyer     string `json:"buyer"`
	Sequence  uint64 `json:"sequence"`
	TotalPaid string `json:"totalPaid"`
	CreatedAt int64  `json:"createdAt"`
	Confirmed bool   `json:"confirmed"`
	Refunded  bool   `json:"refunded"`
}

type refundResult struct {
	ID     string `json:"id"`
	Amount string `json:"amount"`
}

type withdrawResult struct {
	Mode   string `json:"mode"`
	Amount string `json:"amount"`
}

type pricingJSON struct {
	UnitPrice         string `json:"unitPrice"`
	TaxNumerator      uint64 `json:"taxNumerator"`
	TaxDenominator    uint64 `json:"taxDenominator"`
	RefundNumerator   uint64 `json:"refundNumerator"`
	RefundDenominator uint64 `json:"refundDenominator"`
	RefundWindow      int64  `json:"refundWindowSeconds"`
}

type statusJSON struct {
	Owner                  string      `json:"owner"`
	PendingOwner           *string     `json:"pendingOwner,omitempty"`
	Open                   bool        `json:"open"`
	PoolBalance            string      `json:"poolBalance"`
	ConfirmedTotal         string      `json:"confirmedTotal"`
	LastPurchaseAt         int64       `json:"lastPurchaseAt"`
	PartialWithdrawalTaken bool        `json:"partialWithdrawalTaken"`
	Pricing                pricingJSON `json:"pricing"`
}

type balanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

func (s *Server) handleShopBuy(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params shopBuyParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	buyer, err := parseShopAddress(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeShopInvalidParams, "invalid_params", err.Error())
		return
	}
	payment, err := parsePositiveBigInt(params.Payment)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeShopInvalidParams, "invalid_params", err.Error())
		return
	}
	order, err := s.node.Purchase(buyer, payment)
	if err != nil {
		writeShopError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, orderJSONFrom(order))
}

func (s *Server) handleShopConfirm(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	caller, id, ok := decodeOrderAction(w, req)
	if !ok {
		return
	}
	if err := s.node.Confirm(caller, id); err != nil {
		writeShopError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleShopRefund(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	caller, id, ok := decodeOrderAction(w, req)
	if !ok {
		return
	}
	payout, err := s.node.Refund(caller, id)
	if err != nil {
		writeShopError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, refundResult{ID: formatOrderID(id), Amount: formatAmount(payout)})
}

func (s *Server) handleShopWithdraw(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	caller, ok := decodeCaller(w, req)
	if !ok {
		return
	}
	withdrawal, err := s.node.Withdraw(caller)
	if err != nil {
		writeShopError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, withdrawResult{Mode: withdrawal.Mode.String(), Amount: formatAmount(withdrawal.Amount)})
}

func (s *Server) handleShopOpen(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	caller, ok := decodeCaller(w, req)
	if !ok {
		return
	}
	if err := s.node.OpenShop(caller); err != nil {
		writeShopError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleShopClose(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	caller, ok := decodeCaller(w, req)
	if !ok {
		return
	}
	if err := s.node.CloseShop(caller); err != nil {
		writeShopError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleShopTransferOwnership(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params shopTransferParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	caller, err := parseShopAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeShopInvalidParams, "invalid_params", err.Error())
		return
	}
	candidate, err := parseShopAddress(params.NewOwner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeShopInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.InitiateTransfer(caller, candidate); err != nil {
		writeShopError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleShopAcceptOwnership(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	caller, ok := decodeCaller(w, req)
	if !ok {
		return
	}
	if err := s.node.AcceptTransfer(caller); err != nil {
		writeShopError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleShopCancelOwnership(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	caller, ok := decodeCaller(w, req)
	if !ok {
		return
	}
	if err := s.node.CancelTransfer(caller); err != nil {
		writeShopError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleShopGetOrder(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params shopGetOrderParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	id, err := parseOrderID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeShopInvalidParams, "invalid_params", err.Error())
		return
	}
	order, err := s.node.Order(id)
	if err != nil {
		writeShopError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, orderJSONFrom(order))
}

func (s *Server) handleShopListOrders(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) > 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeShopInvalidParams, "invalid_params", "too many parameters")
		return
	}
	var params shopListOrdersParams
	if len(req.Params) == 1 && len(req.Params[0]) > 0 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeShopInvalidParams, "invalid_params", err.Error())
			return
		}
	}

	var (
		orders []*ledger.Order
		err    error
	)
	if strings.TrimSpace(params.Buyer) != "" {
		var buyer [20]byte
		buyer, err = parseShopAddress(params.Buyer)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeShopInvalidParams, "invalid_params", err.Error())
			return
		}
		orders, err = s.node.OrdersByBuyer(buyer)
	} else {
		orders, err = s.node.Orders()
	}
	if err != nil {
		writeShopError(w, req.ID, err)
		return
	}

	results := make([]orderJSON, 0, len(orders))
	for _, order := range orders {
		results = append(results, orderJSONFrom(order))
	}
	writeResult(w, req.ID, results)
}

func (s *Server) handleShopStatus(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeShopInvalidParams, "invalid_params", "no parameters expected")
		return
	}
	status, err := s.node.Status()
	if err != nil {
		writeShopError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, statusJSONFrom(status))
}

func (s *Server) handleShopBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params shopBalanceParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	addr, err := parseShopAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeShopInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.node.Balance(addr)
	if err != nil {
		writeShopError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, balanceResult{Address: params.Address, Balance: formatAmount(balance)})
}

// decodeSingleParam enforces the single-parameter-object convention shared by
// every shop method and unmarshals it into dst.
func decodeSingleParam(w http.ResponseWriter, req *RPCRequest, dst interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeShopInvalidParams, "invalid_params", "exactly one parameter object expected")
		return false
	}
	if err := json.Unmarshal(req.Params[0], dst); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeShopInvalidParams, "invalid_params", err.Error())
		return false
	}
	return true
}

func decodeOrderAction(w http.ResponseWriter, req *RPCRequest) ([20]byte, [32]byte, bool) {
	var params shopOrderActionParams
	if !decodeSingleParam(w, req, &params) {
		return [20]byte{}, [32]byte{}, false
	}
	caller, err := parseShopAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeShopInvalidParams, "invalid_params", err.Error())
		return [20]byte{}, [32]byte{}, false
	}
	id, err := parseOrderID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeShopInvalidParams, "invalid_params", err.Error())
		return [20]byte{}, [32]byte{}, false
	}
	return caller, id, true
}

func decodeCaller(w http.ResponseWriter, req *RPCRequest) ([20]byte, bool) {
	var params shopCallerParams
	if !decodeSingleParam(w, req, &params) {
		return [20]byte{}, false
	}
	caller, err := parseShopAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeShopInvalidParams, "invalid_params", err.Error())
		return [20]byte{}, false
	}
	return caller, true
}

func parseShopAddress(addr string) ([20]byte, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	return crypto.DecodeShopAddress(trimmed)
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func parseOrderID(id string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return out, fmt.Errorf("id required")
	}
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(cleaned) != 64 {
		return out, fmt.Errorf("id must be 32 bytes")
	}
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return out, err
	}
	copy(out[:], decoded)
	return out, nil
}

func formatOrderID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func orderJSONFrom(order *ledger.Order) orderJSON {
	if order == nil {
		return orderJSON{}
	}
	return orderJSON{
		ID:        formatOrderID(order.ID),
		Buyer:     crypto.MustNewAddress(crypto.ShopPrefix, order.Buyer[:]).String(),
		Sequence:  order.Sequence,
		TotalPaid: formatAmount(order.TotalPaid),
		CreatedAt: order.CreatedAt,
		Confirmed: order.Confirmed,
		Refunded:  order.Refunded,
	}
}

func statusJSONFrom(status *ledger.Status) statusJSON {
	if status == nil {
		return statusJSON{}
	}
	out := statusJSON{
		Owner:                  crypto.MustNewAddress(crypto.ShopPrefix, status.Owner[:]).String(),
		Open:                   status.Open,
		PoolBalance:            formatAmount(status.PoolBalance),
		ConfirmedTotal:         formatAmount(status.ConfirmedTotal),
		LastPurchaseAt:         status.LastPurchaseAt,
		PartialWithdrawalTaken: status.PartialWithdrawalTaken,
		Pricing: pricingJSON{
			UnitPrice:         formatAmount(status.Pricing.UnitPrice),
			TaxNumerator:      status.Pricing.TaxNumerator,
			TaxDenominator:    status.Pricing.TaxDenominator,
			RefundNumerator:   status.Pricing.RefundNumerator,
			RefundDenominator: status.Pricing.RefundDenominator,
			RefundWindow:      status.Pricing.RefundWindow,
		},
	}
	if status.PendingOwner != ([20]byte{}) {
		pending := crypto.MustNewAddress(crypto.ShopPrefix, status.PendingOwner[:]).String()
		out.PendingOwner = &pending
	}
	return out
}

// writeShopError translates ledger sentinels into JSON-RPC error codes and
// matching HTTP statuses.
func writeShopError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeShopInternal
	message := "internal_error"
	switch {
	case errors.Is(err, ledger.ErrOrderNotFound):
		status = http.StatusNotFound
		code = codeShopNotFound
		message = "not_found"
	case errors.Is(err, ledger.ErrUnauthorized) || errors.Is(err, ledger.ErrNotOrderBuyer):
		status = http.StatusForbidden
		code = codeShopForbidden
		message = "forbidden"
	case errors.Is(err, ledger.ErrMissingTax) ||
		errors.Is(err, ledger.ErrInsufficientPayment) ||
		errors.Is(err, ledger.ErrExcessPayment) ||
		errors.Is(err, ledger.ErrInvalidCandidate):
		status = http.StatusBadRequest
		code = codeShopInvalidParams
		message = "invalid_params"
	case errors.Is(err, ledger.ErrShopClosed) ||
		errors.Is(err, ledger.ErrAlreadyConfirmed) ||
		errors.Is(err, ledger.ErrAlreadyRefunded) ||
		errors.Is(err, ledger.ErrRefundWindowExpired) ||
		errors.Is(err, ledger.ErrWithdrawalTaken) ||
		errors.Is(err, ledger.ErrNoPendingTransfer) ||
		errors.Is(err, ledger.ErrTransferFailed):
		status = http.StatusConflict
		code = codeShopConflict
		message = "conflict"
	}
	writeError(w, status, id, code, message, err.Error())
}
