package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// NodeClient is the thin JSON-RPC client the gateway uses against the shop
// node.
type NodeClient interface {
	Purchase(ctx context.Context, buyer, payment string) (*OrderState, error)
	ConfirmOrder(ctx context.Context, caller, orderID string) error
	RefundOrder(ctx context.Context, caller, orderID string) (*RefundReceipt, error)
	Withdraw(ctx context.Context, caller string) (*WithdrawalReceipt, error)
	OpenShop(ctx context.Context, caller string) error
	CloseShop(ctx context.Context, caller string) error
	TransferOwnership(ctx context.Context, caller, newOwner string) error
	AcceptOwnership(ctx context.Context, caller string) error
	CancelOwnership(ctx context.Context, caller string) error
	GetOrder(ctx context.Context, orderID string) (*OrderState, error)
	ListOrders(ctx context.Context, buyer string) ([]OrderState, error)
	ShopStatus(ctx context.Context) (*ShopStatus, error)
	Balance(ctx context.Context, address string) (*BalanceState, error)
}

// NodeError carries the JSON-RPC error returned by the node so handlers can
// map it onto an HTTP status.
type NodeError struct {
	Code    int
	Message string
	Data    string
}

func (e *NodeError) Error() string {
	if strings.TrimSpace(e.Data) != "" {
		return fmt.Sprintf("node rpc error %d: %s: %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("node rpc error %d: %s", e.Code, e.Message)
}

// RPCNodeClient implements NodeClient against the shop JSON-RPC server.
type RPCNodeClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCNodeClient(baseURL, authToken string, timeout time.Duration) *RPCNodeClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCNodeClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *RPCNodeClient) Purchase(ctx context.Context, buyer, payment string) (*OrderState, error) {
	params := map[string]string{"buyer": buyer, "payment": payment}
	var result OrderState
	if err := c.call(ctx, "shop_buy", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) ConfirmOrder(ctx context.Context, caller, orderID string) error {
	params := map[string]string{"caller": caller, "id": orderID}
	return c.call(ctx, "shop_confirm", []interface{}{params}, nil)
}

func (c *RPCNodeClient) RefundOrder(ctx context.Context, caller, orderID string) (*RefundReceipt, error) {
	params := map[string]string{"caller": caller, "id": orderID}
	var result RefundReceipt
	if err := c.call(ctx, "shop_refund", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) Withdraw(ctx context.Context, caller string) (*WithdrawalReceipt, error) {
	params := map[string]string{"caller": caller}
	var result WithdrawalReceipt
	if err := c.call(ctx, "shop_withdraw", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) OpenShop(ctx context.Context, caller string) error {
	return c.call(ctx, "shop_open", []interface{}{map[string]string{"caller": caller}}, nil)
}

func (c *RPCNodeClient) CloseShop(ctx context.Context, caller string) error {
	return c.call(ctx, "shop_close", []interface{}{map[string]string{"caller": caller}}, nil)
}

func (c *RPCNodeClient) TransferOwnership(ctx context.Context, caller, newOwner string) error {
	params := map[string]string{"caller": caller, "newOwner": newOwner}
	return c.call(ctx, "shop_transferOwnership", []interface{}{params}, nil)
}

func (c *RPCNodeClient) AcceptOwnership(ctx context.Context, caller string) error {
	return c.call(ctx, "shop_acceptOwnership", []interface{}{map[string]string{"caller": caller}}, nil)
}

func (c *RPCNodeClient) CancelOwnership(ctx context.Context, caller string) error {
	return c.call(ctx, "shop_cancelOwnership", []interface{}{map[string]string{"caller": caller}}, nil)
}

func (c *RPCNodeClient) GetOrder(ctx context.Context, orderID string) (*OrderState, error) {
	var result OrderState
	if err := c.call(ctx, "shop_getOrder", []interface{}{map[string]string{"id": orderID}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) ListOrders(ctx context.Context, buyer string) ([]OrderState, error) {
	params := []interface{}{}
	if trimmed := strings.TrimSpace(buyer); trimmed != "" {
		params = append(params, map[string]string{"buyer": trimmed})
	}
	var result []OrderState
	if err := c.call(ctx, "shop_listOrders", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *RPCNodeClient) ShopStatus(ctx context.Context) (*ShopStatus, error) {
	var result ShopStatus
	if err := c.call(ctx, "shop_status", []interface{}{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) Balance(ctx context.Context, address string) (*BalanceState, error) {
	var result BalanceState
	if err := c.call(ctx, "shop_balance", []interface{}{map[string]string{"address": address}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	err := c.doCall(ctx, method, params, out)
	outcome := "ok"
	var nodeErr *NodeError
	switch {
	case err == nil:
	case errors.As(err, &nodeErr):
		outcome = "rpc_error"
	default:
		outcome = "transport_error"
	}
	nodeMetrics().recordCall(ctx, method, outcome)
	return err
}

func (c *RPCNodeClient) doCall(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	if rpcResp.Error != nil {
		nodeErr := &NodeError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
		if len(rpcResp.Error.Data) > 0 {
			var data string
			if err := json.Unmarshal(rpcResp.Error.Data, &data); err == nil {
				nodeErr.Data = data
			} else {
				nodeErr.Data = string(rpcResp.Error.Data)
			}
		}
		return nodeErr
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("node rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// OrderState mirrors the JSON returned by the node for purchases and order
// lookups.
type OrderState struct {
	ID        string `json:"id"`
	Buyer     string `json:"buyer"`
	Sequence  uint64 `json:"sequence"`
	TotalPaid string `json:"totalPaid"`
	CreatedAt int64  `json:"createdAt"`
	Confirmed bool   `json:"confirmed"`
	Refunded  bool   `json:"refunded"`
}

// RefundReceipt mirrors the node RPC result for shop_refund.
type RefundReceipt struct {
	ID     string `json:"id"`
	Amount string `json:"amount"`
}

// WithdrawalReceipt mirrors the node RPC result for shop_withdraw.
type WithdrawalReceipt struct {
	Mode   string `json:"mode"`
	Amount string `json:"amount"`
}

// PricingState mirrors the pricing block of shop_status.
type PricingState struct {
	UnitPrice         string `json:"unitPrice"`
	TaxNumerator      uint64 `json:"taxNumerator"`
	TaxDenominator    uint64 `json:"taxDenominator"`
	RefundNumerator   uint64 `json:"refundNumerator"`
	RefundDenominator uint64 `json:"refundDenominator"`
	RefundWindow      int64  `json:"refundWindowSeconds"`
}

// ShopStatus mirrors the node RPC result for shop_status.
type ShopStatus struct {
	Owner                  string       `json:"owner"`
	PendingOwner           *string      `json:"pendingOwner,omitempty"`
	Open                   bool         `json:"open"`
	PoolBalance            string       `json:"poolBalance"`
	ConfirmedTotal         string       `json:"confirmedTotal"`
	LastPurchaseAt         int64        `json:"lastPurchaseAt"`
	PartialWithdrawalTaken bool         `json:"partialWithdrawalTaken"`
	Pricing                PricingState `json:"pricing"`
}

// BalanceState mirrors the node RPC result for shop_balance.
type BalanceState struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

var (
	nodeMetricsOnce   sync.Once
	sharedNodeMetrics *nodeCallMetrics
)

type nodeCallMetrics struct {
	calls metric.Int64Counter
}

func nodeMetrics() *nodeCallMetrics {
	nodeMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("shopledger/shop-gateway")
		counter, err := meter.Int64Counter("shopledger.gateway.node_calls")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("shopledger/shop-gateway")
			counter, _ = fallback.Int64Counter("shopledger.gateway.node_calls")
		}
		sharedNodeMetrics = &nodeCallMetrics{calls: counter}
	})
	return sharedNodeMetrics
}

func (m *nodeCallMetrics) recordCall(ctx context.Context, method, outcome string) {
	if m == nil || m.calls == nil {
		return
	}
	m.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	))
}
