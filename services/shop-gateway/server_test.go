package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"shopledger/gateway/auth"
	"shopledger/gateway/middleware"
)

type mockNodeClient struct {
	mu sync.Mutex

	purchaseResp  *OrderState
	purchaseErr   error
	purchaseCalls int

	confirmErr   error
	confirmCalls int

	refundResp  *RefundReceipt
	refundErr   error
	refundCalls int

	withdrawResp  *WithdrawalReceipt
	withdrawErr   error
	withdrawCalls int
	withdrawArgs  []string

	openCalls  int
	closeCalls int

	transferErr   error
	transferCalls int
	acceptCalls   int
	cancelCalls   int

	getResp *OrderState
	getErr  error
	getID   string

	listResp []OrderState
	listErr  error

	statusResp *ShopStatus
	statusErr  error

	balanceResp *BalanceState
	balanceErr  error
}

func (m *mockNodeClient) Purchase(ctx context.Context, buyer, payment string) (*OrderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purchaseCalls++
	if m.purchaseErr != nil {
		return nil, m.purchaseErr
	}
	if m.purchaseResp != nil {
		resp := *m.purchaseResp
		return &resp, nil
	}
	return nil, nil
}

func (m *mockNodeClient) ConfirmOrder(ctx context.Context, caller, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmCalls++
	return m.confirmErr
}

func (m *mockNodeClient) RefundOrder(ctx context.Context, caller, orderID string) (*RefundReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refundCalls++
	if m.refundErr != nil {
		return nil, m.refundErr
	}
	if m.refundResp != nil {
		resp := *m.refundResp
		return &resp, nil
	}
	return nil, nil
}

func (m *mockNodeClient) Withdraw(ctx context.Context, caller string) (*WithdrawalReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.withdrawCalls++
	m.withdrawArgs = append(m.withdrawArgs, caller)
	if m.withdrawErr != nil {
		return nil, m.withdrawErr
	}
	if m.withdrawResp != nil {
		resp := *m.withdrawResp
		return &resp, nil
	}
	return nil, nil
}

func (m *mockNodeClient) OpenShop(ctx context.Context, caller string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openCalls++
	return nil
}

func (m *mockNodeClient) CloseShop(ctx context.Context, caller string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	return nil
}

func (m *mockNodeClient) TransferOwnership(ctx context.Context, caller, newOwner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transferCalls++
	return m.transferErr
}

func (m *mockNodeClient) AcceptOwnership(ctx context.Context, caller string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acceptCalls++
	return nil
}

func (m *mockNodeClient) CancelOwnership(ctx context.Context, caller string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelCalls++
	return nil
}

func (m *mockNodeClient) GetOrder(ctx context.Context, orderID string) (*OrderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getID = orderID
	if m.getErr != nil {
		return nil, m.getErr
	}
	if m.getResp != nil {
		resp := *m.getResp
		return &resp, nil
	}
	return nil, nil
}

func (m *mockNodeClient) ListOrders(ctx context.Context, buyer string) ([]OrderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]OrderState(nil), m.listResp...), nil
}

func (m *mockNodeClient) ShopStatus(ctx context.Context) (*ShopStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	if m.statusResp != nil {
		resp := *m.statusResp
		return &resp, nil
	}
	return nil, nil
}

func (m *mockNodeClient) Balance(ctx context.Context, address string) (*BalanceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	if m.balanceResp != nil {
		resp := *m.balanceResp
		return &resp, nil
	}
	return nil, nil
}

func newTestServer(t *testing.T, node NodeClient) (http.Handler, *SQLiteStore) {
	t.Helper()
	store, err := NewSQLiteStore("file:testdb?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	verifier := auth.NewVerifier(map[string]string{"storefront": "secret"}, time.Minute, 2*time.Minute, 16, func() time.Time {
		return time.Unix(1700000000, 0).UTC()
	}, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	owner := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:  true,
		Secret:   "owner-secret",
		Issuer:   "shop-gateway",
		Audience: "shop-owner",
	}, logger)
	server := NewServer(ServerConfig{
		Verifier: verifier,
		Owner:    owner,
		Node:     node,
		Store:    store,
		Logger:   logger,
	})
	return server.Handler(), store
}

func signedJSONRequest(t *testing.T, method, path string, body []byte, ts time.Time, nonce, idemKey string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	if nonce == "" {
		nonce = fmt.Sprintf("nonce-%d", ts.UnixNano())
	}
	req.Header.Set(auth.HeaderAPIKey, "storefront")
	req.Header.Set(auth.HeaderTimestamp, timestamp)
	req.Header.Set(auth.HeaderNonce, nonce)
	req.Header.Set(auth.HeaderSignature, auth.Signature("secret", timestamp, nonce, method, path, body))
	if idemKey != "" {
		req.Header.Set(headerIdempotencyKey, idemKey)
	}
	return req
}

func ownerToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestPurchaseRejectsInvalidSignature(t *testing.T) {
	node := &mockNodeClient{}
	handler, store := newTestServer(t, node)
	defer store.Close()

	body := []byte(`{"buyer":"shop1buyer","payment":"110"}`)
	req := httptest.NewRequest(http.MethodPost, "/shop/purchases", bytes.NewReader(body))
	req.Header.Set(auth.HeaderAPIKey, "storefront")
	req.Header.Set(auth.HeaderTimestamp, "1700000000")
	req.Header.Set(auth.HeaderNonce, "nonce-bad-sig")
	req.Header.Set(auth.HeaderSignature, "deadbeef")
	req.Header.Set(headerIdempotencyKey, "purchase-1")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
	if node.purchaseCalls != 0 {
		t.Fatalf("expected node untouched, got %d purchase calls", node.purchaseCalls)
	}
}

func TestPurchaseRequiresIdempotencyKey(t *testing.T) {
	node := &mockNodeClient{}
	handler, store := newTestServer(t, node)
	defer store.Close()

	body := []byte(`{"buyer":"shop1buyer","payment":"110"}`)
	ts := time.Unix(1700000000, 0).UTC()
	req := signedJSONRequest(t, http.MethodPost, "/shop/purchases", body, ts, "nonce-no-key", "")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if node.purchaseCalls != 0 {
		t.Fatalf("expected node untouched, got %d purchase calls", node.purchaseCalls)
	}
}

func TestPurchaseIdempotencyReplaysResponse(t *testing.T) {
	node := &mockNodeClient{purchaseResp: &OrderState{
		ID:        "0xabc",
		Buyer:     "shop1buyer",
		Sequence:  1,
		TotalPaid: "110",
		CreatedAt: 1700000000,
	}}
	handler, store := newTestServer(t, node)
	defer store.Close()

	body := []byte(`{"buyer":"shop1buyer","payment":"110"}`)
	ts := time.Unix(1700000000, 0).UTC()

	req1 := signedJSONRequest(t, http.MethodPost, "/shop/purchases", body, ts, "nonce-idem-1", "idem-123")
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec1.Code, rec1.Body.String())
	}
	if node.purchaseCalls != 1 {
		t.Fatalf("expected one purchase call, got %d", node.purchaseCalls)
	}

	req2 := signedJSONRequest(t, http.MethodPost, "/shop/purchases", body, ts.Add(time.Second), "nonce-idem-2", "idem-123")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusCreated {
		t.Fatalf("expected cached 201 got %d", rec2.Code)
	}
	if node.purchaseCalls != 1 {
		t.Fatalf("expected node not called again, got %d", node.purchaseCalls)
	}
	if !bytes.Equal(rec1.Body.Bytes(), rec2.Body.Bytes()) {
		t.Fatalf("expected identical replayed body")
	}
}

func TestPurchaseValidationRejectsMissingPayment(t *testing.T) {
	node := &mockNodeClient{}
	handler, store := newTestServer(t, node)
	defer store.Close()

	body := []byte(`{"buyer":"shop1buyer"}`)
	ts := time.Unix(1700000000, 0).UTC()
	req := signedJSONRequest(t, http.MethodPost, "/shop/purchases", body, ts, "nonce-validate", "idem-validate")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if node.purchaseCalls != 0 {
		t.Fatalf("expected node untouched on validation failure")
	}
}

func TestRefundConflictMapsTo409(t *testing.T) {
	node := &mockNodeClient{refundErr: &NodeError{Code: nodeCodeConflict, Message: "order already refunded"}}
	handler, store := newTestServer(t, node)
	defer store.Close()

	body := []byte(`{"caller":"shop1buyer"}`)
	ts := time.Unix(1700000000, 0).UTC()
	req := signedJSONRequest(t, http.MethodPost, "/shop/orders/0xabc/refund", body, ts, "nonce-refund", "idem-refund")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d: %s", rec.Code, rec.Body.String())
	}
	if node.refundCalls != 1 {
		t.Fatalf("expected one refund call, got %d", node.refundCalls)
	}
}

func TestOwnerWithdrawRequiresScope(t *testing.T) {
	node := &mockNodeClient{withdrawResp: &WithdrawalReceipt{Mode: "full", Amount: "110"}}
	handler, store := newTestServer(t, node)
	defer store.Close()

	body := []byte(`{"caller":"shop1owner"}`)
	base := jwt.MapClaims{
		"iss": "shop-gateway",
		"aud": "shop-owner",
		"sub": "ops@shop",
		"exp": time.Now().Add(time.Hour).Unix(),
	}

	req := httptest.NewRequest(http.MethodPost, "/owner/withdraw", bytes.NewReader(body))
	req.Header.Set(headerIdempotencyKey, "withdraw-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token got %d", rec.Code)
	}

	readonly := jwt.MapClaims{}
	for k, v := range base {
		readonly[k] = v
	}
	readonly["scope"] = "shop:read"
	req = httptest.NewRequest(http.MethodPost, "/owner/withdraw", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+ownerToken(t, "owner-secret", readonly))
	req.Header.Set(headerIdempotencyKey, "withdraw-2")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for read scope got %d", rec.Code)
	}
	if node.withdrawCalls != 0 {
		t.Fatalf("expected node untouched before authorization")
	}

	full := jwt.MapClaims{}
	for k, v := range base {
		full[k] = v
	}
	full["scope"] = "shop:owner"
	req = httptest.NewRequest(http.MethodPost, "/owner/withdraw", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+ownerToken(t, "owner-secret", full))
	req.Header.Set(headerIdempotencyKey, "withdraw-3")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if node.withdrawCalls != 1 {
		t.Fatalf("expected one withdraw call, got %d", node.withdrawCalls)
	}
	if len(node.withdrawArgs) != 1 || node.withdrawArgs[0] != "shop1owner" {
		t.Fatalf("expected caller forwarded, got %v", node.withdrawArgs)
	}
	var receipt WithdrawalReceipt
	if err := json.Unmarshal(rec.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("unmarshal receipt: %v", err)
	}
	if receipt.Mode != "full" || receipt.Amount != "110" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}

func TestWebhookSubscriptionPersists(t *testing.T) {
	node := &mockNodeClient{}
	handler, store := newTestServer(t, node)
	defer store.Close()

	body := []byte(`{"event":"shop.purchased","url":"https://partner.example/hooks","secret":"hook-secret"}`)
	ts := time.Unix(1700000000, 0).UTC()
	req := signedJSONRequest(t, http.MethodPost, "/webhooks/subscriptions", body, ts, "nonce-hook", "idem-hook")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	subs, err := store.ListWebhooksForEvent(context.Background(), "shop.purchased")
	if err != nil {
		t.Fatalf("list webhooks: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected one subscription, got %d", len(subs))
	}
	if subs[0].APIKey != "storefront" || subs[0].URL != "https://partner.example/hooks" {
		t.Fatalf("unexpected subscription %+v", subs[0])
	}
}

func TestGetOrderMapsNotFound(t *testing.T) {
	node := &mockNodeClient{getErr: &NodeError{Code: nodeCodeNotFound, Message: "order not found"}}
	handler, store := newTestServer(t, node)
	defer store.Close()

	req := httptest.NewRequest(http.MethodGet, "/shop/orders/0xmissing", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestGetOrderReturnsNodeState(t *testing.T) {
	node := &mockNodeClient{getResp: &OrderState{
		ID:        "0xabc",
		Buyer:     "shop1buyer",
		Sequence:  7,
		TotalPaid: "110",
		Confirmed: true,
	}}
	handler, store := newTestServer(t, node)
	defer store.Close()

	req := httptest.NewRequest(http.MethodGet, "/shop/orders/0xabc", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if node.getID != "0xabc" {
		t.Fatalf("expected order id forwarded, got %q", node.getID)
	}
	var order OrderState
	if err := json.Unmarshal(rec.Body.Bytes(), &order); err != nil {
		t.Fatalf("unmarshal order: %v", err)
	}
	if order.ID != "0xabc" || !order.Confirmed {
		t.Fatalf("unexpected order %+v", order)
	}
}

func TestListOrdersReturnsEmptyArray(t *testing.T) {
	node := &mockNodeClient{}
	handler, store := newTestServer(t, node)
	defer store.Close()

	req := httptest.NewRequest(http.MethodGet, "/shop/orders?buyer=shop1buyer", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if body := bytes.TrimSpace(rec.Body.Bytes()); !bytes.Equal(body, []byte("[]")) {
		t.Fatalf("expected empty array, got %s", body)
	}
}

func TestStatusProxiesNode(t *testing.T) {
	pending := "shop1candidate"
	node := &mockNodeClient{statusResp: &ShopStatus{
		Owner:          "shop1owner",
		PendingOwner:   &pending,
		Open:           true,
		PoolBalance:    "220",
		ConfirmedTotal: "110",
	}}
	handler, store := newTestServer(t, node)
	defer store.Close()

	req := httptest.NewRequest(http.MethodGet, "/shop/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var status ShopStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.Owner != "shop1owner" || !status.Open || status.PendingOwner == nil || *status.PendingOwner != pending {
		t.Fatalf("unexpected status %+v", status)
	}
}
