package rpc

import (
	"bytes"
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

	"shopledger/core"
	"shopledger/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	rateLimitWindow        = time.Minute
	defaultMutationsPerMin = 600
	rateLimiterStaleAfter  = 10 * time.Minute
	maxForwardedForAddrs   = 16

	// TokenEnv names the environment variable carrying the bearer token
	// required for mutating methods. An empty value disables mutations.
	TokenEnv = "SHOP_RPC_TOKEN"
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

// ServerConfig tunes the JSON-RPC server. The zero value serves with the
// default rate limit and trusts no proxy headers.
type ServerConfig struct {
	// RateLimitPerMin caps mutating requests per client source per minute.
	// Zero selects the default.
	RateLimitPerMin int
	// TrustProxyHeaders honours X-Forwarded-For from every peer. Only set
	// this when the listener is reachable exclusively through a proxy.
	TrustProxyHeaders bool
	// TrustedProxies lists peer addresses whose X-Forwarded-For header is
	// honoured.
	TrustedProxies []string
}

// Server exposes the node's operations as JSON-RPC 2.0 over HTTP plus a
// websocket event feed on /ws/events.
type Server struct {
	node *core.Node

	mu              sync.Mutex
	rateLimiters    map[string]*rateLimiter
	authToken       string
	rateLimitPerMin int

	trustProxyHeaders bool
	trustedProxies    map[string]struct{}
}

// NewServer wires a server around the node. The bearer token guarding
// mutating methods is read from SHOP_RPC_TOKEN.
func NewServer(node *core.Node, cfg ServerConfig) *Server {
	limit := cfg.RateLimitPerMin
	if limit <= 0 {
		limit = defaultMutationsPerMin
	}
	trusted := make(map[string]struct{}, len(cfg.TrustedProxies))
	for _, proxy := range cfg.TrustedProxies {
		if trimmed := strings.TrimSpace(proxy); trimmed != "" {
			trusted[trimmed] = struct{}{}
		}
	}
	return &Server{
		node:              node,
		rateLimiters:      make(map[string]*rateLimiter),
		authToken:         strings.TrimSpace(os.Getenv(TokenEnv)),
		rateLimitPerMin:   limit,
		trustProxyHeaders: cfg.TrustProxyHeaders,
		trustedProxies:    trusted,
	}
}

// Handler returns the HTTP handler serving the RPC endpoint and the event
// websocket. Daemons mount it on their own http.Server for graceful shutdown.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	return mux
}

// Start serves on addr until the listener fails.
func (s *Server) Start(addr string) error {
	slog.Info("starting JSON-RPC server", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
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

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// handle is the main request handler that routes to the method handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	method := s.dispatch(rec, r)
	observability.RPCMetrics().Observe(method, rec.status, time.Since(start))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) string {
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
		return "unknown"
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return "unknown"
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return "unknown"
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return "unknown"
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return "unknown"
	}

	switch req.Method {
	case "shop_buy":
		s.handleMutation(w, r, req, s.handleShopBuy)
	case "shop_confirm":
		s.handleMutation(w, r, req, s.handleShopConfirm)
	case "shop_refund":
		s.handleMutation(w, r, req, s.handleShopRefund)
	case "shop_withdraw":
		s.handleMutation(w, r, req, s.handleShopWithdraw)
	case "shop_open":
		s.handleMutation(w, r, req, s.handleShopOpen)
	case "shop_close":
		s.handleMutation(w, r, req, s.handleShopClose)
	case "shop_transferOwnership":
		s.handleMutation(w, r, req, s.handleShopTransferOwnership)
	case "shop_acceptOwnership":
		s.handleMutation(w, r, req, s.handleShopAcceptOwnership)
	case "shop_cancelOwnership":
		s.handleMutation(w, r, req, s.handleShopCancelOwnership)
	case "shop_getOrder":
		s.handleShopGetOrder(w, r, req)
	case "shop_listOrders":
		s.handleShopListOrders(w, r, req)
	case "shop_status":
		s.handleShopStatus(w, r, req)
	case "shop_balance":
		s.handleShopBalance(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
	return req.Method
}

// handleMutation gates state-changing methods behind the bearer token and the
// per-source rate limit before delegating.
func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request, req *RPCRequest, fn func(http.ResponseWriter, *http.Request, *RPCRequest)) {
	if authErr := s.requireAuth(r); authErr != nil {
		observability.RPCMetrics().RecordThrottle("unauthorized")
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	source := s.clientSource(r)
	if !s.allowSource(source, time.Now()) {
		observability.RPCMetrics().RecordThrottle("rate_limit")
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "request rate limit exceeded", source)
		return
	}
	fn(w, r, req)
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
	source = strings.TrimSpace(source)
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, limiter := range s.rateLimiters {
		if now.Sub(limiter.windowStart) >= rateLimiterStaleAfter {
			delete(s.rateLimiters, key)
		}
	}

	limiter, ok := s.rateLimiters[source]
	if !ok {
		limiter = &rateLimiter{windowStart: now}
		s.rateLimiters[source] = limiter
	}
	if now.Sub(limiter.windowStart) >= rateLimitWindow {
		limiter.windowStart = now
		limiter.count = 0
	}
	if limiter.count >= s.rateLimitPerMin {
		return false
	}
	limiter.count++
	return true
}

// clientSource identifies the caller for rate limiting. X-Forwarded-For is
// honoured only when the immediate peer is a trusted proxy; otherwise a
// spoofed header could mint fresh limiter buckets at will.
func (s *Server) clientSource(r *http.Request) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if !s.proxyTrusted(peer) {
		return peer
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return peer
	}
	parts := strings.Split(forwarded, ",")
	if len(parts) > maxForwardedForAddrs {
		return peer
	}
	for _, part := range parts {
		candidate := strings.TrimSpace(part)
		if candidate == "" {
			continue
		}
		if host, _, err := net.SplitHostPort(candidate); err == nil {
			candidate = host
		}
		return candidate
	}
	return peer
}

func (s *Server) proxyTrusted(peer string) bool {
	if s.trustProxyHeaders {
		return true
	}
	_, ok := s.trustedProxies[peer]
	return ok
}
