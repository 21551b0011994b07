package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"shopledger/gateway/auth"
	"shopledger/gateway/middleware"
	"shopledger/observability"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB

	ownerScope = "shop:owner"

	mutationTimeout = 15 * time.Second
	queryTimeout    = 10 * time.Second
)

// Failure codes surfaced by the node's JSON-RPC error envelope.
const (
	nodeCodeInvalidParams = -32021
	nodeCodeNotFound      = -32022
	nodeCodeForbidden     = -32023
	nodeCodeConflict      = -32024
)

// Server is the HTTP front-end bridging storefront partners and the shop
// owner to the ledger node. Storefront routes authenticate with signed HMAC
// headers, owner routes with bearer tokens carrying the shop:owner scope.
// Handlers never enqueue webhooks; deliveries originate from the event
// watcher so each committed ledger event notifies subscribers exactly once.
type Server struct {
	verifier *auth.Verifier
	owner    *middleware.Authenticator
	node     NodeClient
	store    *SQLiteStore
	limiter  *middleware.RateLimiter
	obs      *middleware.Observability
	cors     middleware.CORSConfig
	metrics  *observability.GatewayMetrics
	logger   *slog.Logger
	nowFn    func() time.Time
}

// ServerConfig wires the server's collaborators. Verifier, Node and Store are
// required; the remaining middleware degrades to pass-through when absent.
type ServerConfig struct {
	Verifier      *auth.Verifier
	Owner         *middleware.Authenticator
	Node          NodeClient
	Store         *SQLiteStore
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Logger        *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Verifier == nil {
		panic("verifier required")
	}
	if cfg.Node == nil {
		panic("node client required")
	}
	if cfg.Store == nil {
		panic("sqlite store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		verifier: cfg.Verifier,
		owner:    cfg.Owner,
		node:     cfg.Node,
		store:    cfg.Store,
		limiter:  cfg.RateLimiter,
		obs:      cfg.Observability,
		cors:     cfg.CORS,
		metrics:  observability.Gateway(),
		logger:   logger,
		nowFn:    time.Now,
	}
}

// Handler assembles the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(s.cors))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/shop", func(sr chi.Router) {
		if s.limiter != nil {
			sr.Use(s.limiter.Middleware("shop"))
		}
		if s.obs != nil {
			sr.Use(s.obs.Middleware("shop"))
		}
		sr.Post("/purchases", s.handlePurchase)
		sr.Get("/orders", s.handleListOrders)
		sr.Get("/orders/{orderID}", s.handleGetOrder)
		sr.Post("/orders/{orderID}/confirm", s.handleConfirm)
		sr.Post("/orders/{orderID}/refund", s.handleRefund)
		sr.Get("/status", s.handleStatus)
		sr.Get("/balances/{address}", s.handleBalance)
	})

	r.Route("/owner", func(or chi.Router) {
		if s.limiter != nil {
			or.Use(s.limiter.Middleware("owner"))
		}
		if s.obs != nil {
			or.Use(s.obs.Middleware("owner"))
		}
		if s.owner != nil {
			or.Use(s.owner.Middleware(ownerScope))
		}
		or.Post("/withdraw", s.handleWithdraw)
		or.Post("/open", s.handleOpen)
		or.Post("/close", s.handleClose)
		or.Post("/transfer", s.handleTransferInitiate)
		or.Post("/transfer/accept", s.handleTransferAccept)
		or.Post("/transfer/cancel", s.handleTransferCancel)
	})

	r.Route("/webhooks", func(wr chi.Router) {
		if s.limiter != nil {
			wr.Use(s.limiter.Middleware("webhooks"))
		}
		if s.obs != nil {
			wr.Use(s.obs.Middleware("webhooks"))
		}
		wr.Post("/subscriptions", s.handleWebhookSubscribe)
	})

	if s.obs != nil {
		r.Handle("/metrics", s.obs.MetricsHandler())
	}
	return r
}

type purchaseRequest struct {
	Buyer   string `json:"buyer"`
	Payment string `json:"payment"`
}

type orderActionRequest struct {
	Caller string `json:"caller"`
}

type ownerActionRequest struct {
	Caller string `json:"caller"`
}

type transferRequest struct {
	Caller   string `json:"caller"`
	NewOwner string `json:"newOwner"`
}

type webhookSubscribeRequest struct {
	Event     string `json:"event"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
	RateLimit int    `json:"rateLimit"`
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	body, principal, ok := s.partnerRequest(w, r)
	if !ok {
		return
	}
	scope := principal.APIKey
	key, requestHash, ok := s.beginMutation(w, r, scope, body)
	if !ok {
		return
	}
	var req purchaseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.respondError(w, r, scope, body, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	if err := validatePurchase(req); err != nil {
		s.respondError(w, r, scope, body, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), mutationTimeout)
	defer cancel()
	order, err := s.node.Purchase(ctx, strings.TrimSpace(req.Buyer), strings.TrimSpace(req.Payment))
	if err != nil {
		s.respondError(w, r, scope, body, nodeErrorStatus(err), err)
		return
	}
	s.finishMutation(w, r, scope, key, requestHash, body, http.StatusCreated, order)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	body, principal, ok := s.partnerRequest(w, r)
	if !ok {
		return
	}
	scope := principal.APIKey
	key, requestHash, ok := s.beginMutation(w, r, scope, body)
	if !ok {
		return
	}
	var req orderActionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.respondError(w, r, scope, body, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	caller := strings.TrimSpace(req.Caller)
	if caller == "" {
		s.respondError(w, r, scope, body, http.StatusBadRequest, errors.New("caller is required"))
		return
	}
	if orderID == "" {
		s.respondError(w, r, scope, body, http.StatusBadRequest, errors.New("order id required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), mutationTimeout)
	defer cancel()
	if err := s.node.ConfirmOrder(ctx, caller, orderID); err != nil {
		s.respondError(w, r, scope, body, nodeErrorStatus(err), err)
		return
	}
	result := map[string]string{"orderId": orderID, "status": "confirmed"}
	s.finishMutation(w, r, scope, key, requestHash, body, http.StatusOK, result)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	body, principal, ok := s.partnerRequest(w, r)
	if !ok {
		return
	}
	scope := principal.APIKey
	key, requestHash, ok := s.beginMutation(w, r, scope, body)
	if !ok {
		return
	}
	var req orderActionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.respondError(w, r, scope, body, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	caller := strings.TrimSpace(req.Caller)
	if caller == "" {
		s.respondError(w, r, scope, body, http.StatusBadRequest, errors.New("caller is required"))
		return
	}
	if orderID == "" {
		s.respondError(w, r, scope, body, http.StatusBadRequest, errors.New("order id required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), mutationTimeout)
	defer cancel()
	receipt, err := s.node.RefundOrder(ctx, caller, orderID)
	if err != nil {
		s.respondError(w, r, scope, body, nodeErrorStatus(err), err)
		return
	}
	s.finishMutation(w, r, scope, key, requestHash, body, http.StatusOK, receipt)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	body, scope, ok := s.ownerRequest(w, r)
	if !ok {
		return
	}
	key, requestHash, ok := s.beginMutation(w, r, scope, body)
	if !ok {
		return
	}
	caller, ok := s.decodeOwnerCaller(w, r, scope, body)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), mutationTimeout)
	defer cancel()
	receipt, err := s.node.Withdraw(ctx, caller)
	if err != nil {
		s.respondError(w, r, scope, body, nodeErrorStatus(err), err)
		return
	}
	s.finishMutation(w, r, scope, key, requestHash, body, http.StatusOK, receipt)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	s.ownerAction(w, r, s.node.OpenShop, map[string]string{"status": "open"})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.ownerAction(w, r, s.node.CloseShop, map[string]string{"status": "closed"})
}

func (s *Server) handleTransferInitiate(w http.ResponseWriter, r *http.Request) {
	body, scope, ok := s.ownerRequest(w, r)
	if !ok {
		return
	}
	key, requestHash, ok := s.beginMutation(w, r, scope, body)
	if !ok {
		return
	}
	var req transferRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.respondError(w, r, scope, body, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	caller := strings.TrimSpace(req.Caller)
	newOwner := strings.TrimSpace(req.NewOwner)
	if caller == "" {
		s.respondError(w, r, scope, body, http.StatusBadRequest, errors.New("caller is required"))
		return
	}
	if newOwner == "" {
		s.respondError(w, r, scope, body, http.StatusBadRequest, errors.New("newOwner is required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), mutationTimeout)
	defer cancel()
	if err := s.node.TransferOwnership(ctx, caller, newOwner); err != nil {
		s.respondError(w, r, scope, body, nodeErrorStatus(err), err)
		return
	}
	result := map[string]string{"status": "pending", "newOwner": newOwner}
	s.finishMutation(w, r, scope, key, requestHash, body, http.StatusOK, result)
}

func (s *Server) handleTransferAccept(w http.ResponseWriter, r *http.Request) {
	s.ownerAction(w, r, s.node.AcceptOwnership, map[string]string{"status": "transferred"})
}

func (s *Server) handleTransferCancel(w http.ResponseWriter, r *http.Request) {
	s.ownerAction(w, r, s.node.CancelOwnership, map[string]string{"status": "cancelled"})
}

// ownerAction runs the shared choreography for owner routes whose node call
// takes only the caller address.
func (s *Server) ownerAction(w http.ResponseWriter, r *http.Request, call func(context.Context, string) error, result map[string]string) {
	body, scope, ok := s.ownerRequest(w, r)
	if !ok {
		return
	}
	key, requestHash, ok := s.beginMutation(w, r, scope, body)
	if !ok {
		return
	}
	caller, ok := s.decodeOwnerCaller(w, r, scope, body)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), mutationTimeout)
	defer cancel()
	if err := call(ctx, caller); err != nil {
		s.respondError(w, r, scope, body, nodeErrorStatus(err), err)
		return
	}
	s.finishMutation(w, r, scope, key, requestHash, body, http.StatusOK, result)
}

func (s *Server) decodeOwnerCaller(w http.ResponseWriter, r *http.Request, scope string, body []byte) (string, bool) {
	var req ownerActionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.respondError(w, r, scope, body, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return "", false
	}
	caller := strings.TrimSpace(req.Caller)
	if caller == "" {
		s.respondError(w, r, scope, body, http.StatusBadRequest, errors.New("caller is required"))
		return "", false
	}
	return caller, true
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("order id required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	order, err := s.node.GetOrder(ctx, orderID)
	if err != nil {
		s.writeError(w, nodeErrorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	buyer := strings.TrimSpace(r.URL.Query().Get("buyer"))
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	orders, err := s.node.ListOrders(ctx, buyer)
	if err != nil {
		s.writeError(w, nodeErrorStatus(err), err)
		return
	}
	if orders == nil {
		orders = []OrderState{}
	}
	s.writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	status, err := s.node.ShopStatus(ctx)
	if err != nil {
		s.writeError(w, nodeErrorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(chi.URLParam(r, "address"))
	if address == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("address required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	balance, err := s.node.Balance(ctx, address)
	if err != nil {
		s.writeError(w, nodeErrorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, balance)
}

func (s *Server) handleWebhookSubscribe(w http.ResponseWriter, r *http.Request) {
	body, principal, ok := s.partnerRequest(w, r)
	if !ok {
		return
	}
	scope := principal.APIKey
	key, requestHash, ok := s.beginMutation(w, r, scope, body)
	if !ok {
		return
	}
	var req webhookSubscribeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.respondError(w, r, scope, body, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	if err := validateWebhookSubscribe(req); err != nil {
		s.respondError(w, r, scope, body, http.StatusBadRequest, err)
		return
	}
	sub := WebhookSubscription{
		APIKey:    principal.APIKey,
		EventType: strings.TrimSpace(req.Event),
		URL:       strings.TrimSpace(req.URL),
		Secret:    strings.TrimSpace(req.Secret),
		RateLimit: req.RateLimit,
		Active:    true,
		CreatedAt: s.nowFn().UTC(),
	}
	id, err := s.store.InsertWebhook(r.Context(), sub)
	if err != nil {
		s.respondError(w, r, scope, body, http.StatusInternalServerError, err)
		return
	}
	result := map[string]any{"id": id, "event": sub.EventType, "url": sub.URL}
	s.finishMutation(w, r, scope, key, requestHash, body, http.StatusCreated, result)
}

// partnerRequest reads the body and runs HMAC verification for storefront
// routes. On failure the response and audit entry are already written.
func (s *Server) partnerRequest(w http.ResponseWriter, r *http.Request) ([]byte, *auth.Principal, bool) {
	body, err := readRequestBody(r)
	if err != nil {
		s.respondError(w, r, "", nil, http.StatusBadRequest, err)
		return nil, nil, false
	}
	principal, err := s.verifier.Verify(r, body)
	if err != nil {
		scope := ""
		if principal != nil {
			scope = principal.APIKey
		}
		s.respondError(w, r, scope, body, http.StatusUnauthorized, err)
		return nil, nil, false
	}
	return body, principal, true
}

// ownerRequest reads the body and resolves the idempotency scope from the
// bearer token subject set by the owner authenticator.
func (s *Server) ownerRequest(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	body, err := readRequestBody(r)
	if err != nil {
		s.respondError(w, r, "", nil, http.StatusBadRequest, err)
		return nil, "", false
	}
	subject := strings.TrimSpace(middleware.SubjectFromContext(r.Context()))
	if subject == "" {
		s.respondError(w, r, "", body, http.StatusUnauthorized, errors.New("missing token subject"))
		return nil, "", false
	}
	return body, subject, true
}

// beginMutation enforces the Idempotency-Key contract: a missing key fails
// the request, a known key with a matching request hash replays the stored
// response, and a known key under a different request hash is a conflict.
func (s *Server) beginMutation(w http.ResponseWriter, r *http.Request, scope string, body []byte) (string, string, bool) {
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		s.respondError(w, r, scope, body, http.StatusBadRequest, errors.New("missing Idempotency-Key header"))
		return "", "", false
	}
	requestHash := hashRequest(r.Method, auth.CanonicalRequestPath(r), body)
	cached, err := s.store.LookupIdempotency(r.Context(), scope, key, requestHash)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrIdempotencyMismatch) {
			status = http.StatusConflict
		}
		s.respondError(w, r, scope, body, status, err)
		return "", "", false
	}
	if cached != nil {
		s.metrics.RecordIdempotencyReplay()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.Status)
		_, _ = w.Write(cached.Body)
		s.audit(r, scope, body, cached.Status, cached.Body)
		return "", "", false
	}
	return key, requestHash, true
}

// finishMutation stores the response under the idempotency key, writes it
// and appends the audit entry.
func (s *Server) finishMutation(w http.ResponseWriter, r *http.Request, scope, key, requestHash string, body []byte, status int, result any) {
	payload, err := json.Marshal(result)
	if err != nil {
		s.respondError(w, r, scope, body, http.StatusInternalServerError, err)
		return
	}
	if err := s.store.SaveIdempotency(r.Context(), scope, key, requestHash, status, payload); err != nil {
		s.respondError(w, r, scope, body, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
	s.audit(r, scope, body, status, payload)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(errorPayload(err))
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, scope string, requestBody []byte, status int, err error) {
	s.writeError(w, status, err)
	s.audit(r, scope, requestBody, status, errorPayload(err))
}

func (s *Server) audit(r *http.Request, scope string, requestBody []byte, status int, responseBody []byte) {
	entry := AuditEntry{
		RequestID:      uuid.NewString(),
		Scope:          scope,
		Method:         r.Method,
		Path:           auth.CanonicalRequestPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	if err := s.store.InsertAuditLog(r.Context(), entry); err != nil {
		s.logger.Warn("audit insert failed", "path", entry.Path, "error", err)
	}
}

func validatePurchase(req purchaseRequest) error {
	if strings.TrimSpace(req.Buyer) == "" {
		return errors.New("buyer is required")
	}
	if strings.TrimSpace(req.Payment) == "" {
		return errors.New("payment is required")
	}
	return nil
}

func validateWebhookSubscribe(req webhookSubscribeRequest) error {
	if strings.TrimSpace(req.Event) == "" {
		return errors.New("event is required")
	}
	target := strings.TrimSpace(req.URL)
	if target == "" {
		return errors.New("url is required")
	}
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return errors.New("url must be absolute http or https")
	}
	if strings.TrimSpace(req.Secret) == "" {
		return errors.New("secret is required")
	}
	if req.RateLimit < 0 {
		return errors.New("rateLimit must not be negative")
	}
	return nil
}

// nodeErrorStatus maps node RPC failure codes onto gateway HTTP statuses.
// Anything outside the known domain codes reads as an upstream failure.
func nodeErrorStatus(err error) int {
	var nodeErr *NodeError
	if !errors.As(err, &nodeErr) {
		return http.StatusBadGateway
	}
	switch nodeErr.Code {
	case nodeCodeInvalidParams:
		return http.StatusBadRequest
	case nodeCodeNotFound:
		return http.StatusNotFound
	case nodeCodeForbidden:
		return http.StatusForbidden
	case nodeCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func errorPayload(err error) []byte {
	msg := strings.ReplaceAll(err.Error(), "\"", "'")
	return []byte(fmt.Sprintf(`{"error":"%s"}`, msg))
}

func readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}
