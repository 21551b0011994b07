package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"shop": {RatePerSecond: 1, Burst: 1},
	}, nil)

	handler := limiter.Middleware("shop")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/shop/orders", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesRouteGroups(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"shop":  {RatePerSecond: 1, Burst: 1},
		"owner": {RatePerSecond: 1, Burst: 1},
	}, nil)

	shopHandler := limiter.Middleware("shop")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	ownerHandler := limiter.Middleware("owner")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/shop/orders", nil)
	req.Header.Set("X-API-Key", "storefront-a")
	res := httptest.NewRecorder()
	shopHandler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected shop request to succeed, got %d", res.Code)
	}

	ownerReq := httptest.NewRequest(http.MethodPost, "/owner/withdraw", nil)
	ownerReq.Header.Set("X-API-Key", "storefront-a")
	ownerRes := httptest.NewRecorder()
	ownerHandler.ServeHTTP(ownerRes, ownerReq)
	if ownerRes.Code != http.StatusOK {
		t.Fatalf("expected first owner request to succeed, got %d", ownerRes.Code)
	}

	ownerRes = httptest.NewRecorder()
	ownerHandler.ServeHTTP(ownerRes, ownerReq)
	if ownerRes.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second owner request to hit limit, got %d", ownerRes.Code)
	}
}

func TestRateLimiterAppliesRouteTokens(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"shop": {
			RatePerSecond: 5,
			Burst:         5,
			DefaultTokens: 1,
			Tokens: map[string]int{
				"POST /shop/purchases": 3,
			},
		},
	}, nil)

	handler := limiter.Middleware("shop")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/shop/purchases", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first purchase request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second purchase request to consume burst and be rate limited, got %d", res.Code)
	}

	// A different route should still be able to proceed because it only
	// consumes the default token cost of 1.
	statusReq := httptest.NewRequest(http.MethodGet, "/shop/status", nil)
	statusRes := httptest.NewRecorder()
	handler.ServeHTTP(statusRes, statusReq)
	if statusRes.Code != http.StatusOK {
		t.Fatalf("expected status route to succeed with default token cost, got %d", statusRes.Code)
	}
}

func TestRateLimiterPrefersAPIKeyOverIP(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"shop": {RatePerSecond: 1, Burst: 1},
	}, nil)

	handler := limiter.Middleware("shop")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	reqA := httptest.NewRequest(http.MethodGet, "/shop/orders", nil)
	reqA.Header.Set("X-API-Key", "storefront-a")
	resA := httptest.NewRecorder()
	handler.ServeHTTP(resA, reqA)
	if resA.Code != http.StatusOK {
		t.Fatalf("expected storefront A request to succeed, got %d", resA.Code)
	}

	reqB := httptest.NewRequest(http.MethodGet, "/shop/orders", nil)
	reqB.Header.Set("X-API-Key", "storefront-b")
	resB := httptest.NewRecorder()
	handler.ServeHTTP(resB, reqB)
	if resB.Code != http.StatusOK {
		t.Fatalf("expected storefront B request to succeed, got %d", resB.Code)
	}
}
