package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func ownerToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestAuthenticatorRequiresScope(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{
		Enabled:  true,
		Secret:   "owner-secret",
		Issuer:   "shop-gateway",
		Audience: "shop-owner",
	}, nil)

	var gotSubject string
	handler := auth.Middleware("shop:owner")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	now := time.Now()
	valid := ownerToken(t, "owner-secret", jwt.MapClaims{
		"iss":   "shop-gateway",
		"aud":   "shop-owner",
		"sub":   "ops@shop",
		"scope": "shop:owner",
		"exp":   now.Add(time.Hour).Unix(),
	})

	req := httptest.NewRequest(http.MethodPost, "/owner/withdraw", nil)
	req.Header.Set("Authorization", "Bearer "+valid)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected scoped token to pass, got %d: %s", res.Code, res.Body.String())
	}
	if gotSubject != "ops@shop" {
		t.Fatalf("expected subject on context, got %q", gotSubject)
	}

	missing := httptest.NewRequest(http.MethodPost, "/owner/withdraw", nil)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, missing)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected missing token to be rejected, got %d", res.Code)
	}

	readOnly := ownerToken(t, "owner-secret", jwt.MapClaims{
		"iss":   "shop-gateway",
		"aud":   "shop-owner",
		"sub":   "viewer@shop",
		"scope": "shop:read",
		"exp":   now.Add(time.Hour).Unix(),
	})
	scoped := httptest.NewRequest(http.MethodPost, "/owner/withdraw", nil)
	scoped.Header.Set("Authorization", "Bearer "+readOnly)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, scoped)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected read-only token to be forbidden, got %d", res.Code)
	}
}

func TestAuthenticatorRejectsBadTokens(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{
		Enabled:  true,
		Secret:   "owner-secret",
		Issuer:   "shop-gateway",
		Audience: "shop-owner",
	}, nil)
	handler := auth.Middleware("shop:owner")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	now := time.Now()
	cases := map[string]string{
		"wrong secret": ownerToken(t, "not-the-secret", jwt.MapClaims{
			"iss":   "shop-gateway",
			"aud":   "shop-owner",
			"scope": "shop:owner",
			"exp":   now.Add(time.Hour).Unix(),
		}),
		"wrong issuer": ownerToken(t, "owner-secret", jwt.MapClaims{
			"iss":   "someone-else",
			"aud":   "shop-owner",
			"scope": "shop:owner",
			"exp":   now.Add(time.Hour).Unix(),
		}),
		"wrong audience": ownerToken(t, "owner-secret", jwt.MapClaims{
			"iss":   "shop-gateway",
			"aud":   "other-audience",
			"scope": "shop:owner",
			"exp":   now.Add(time.Hour).Unix(),
		}),
		"expired": ownerToken(t, "owner-secret", jwt.MapClaims{
			"iss":   "shop-gateway",
			"aud":   "shop-owner",
			"scope": "shop:owner",
			"exp":   now.Add(-time.Hour).Unix(),
		}),
		"missing expiry": ownerToken(t, "owner-secret", jwt.MapClaims{
			"iss":   "shop-gateway",
			"aud":   "shop-owner",
			"scope": "shop:owner",
		}),
	}

	for name, token := range cases {
		req := httptest.NewRequest(http.MethodPost, "/owner/withdraw", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, res.Code)
		}
	}
}

func TestAuthenticatorDisabledPassesThrough(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: false}, nil)
	handler := auth.Middleware("shop:owner")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/owner/withdraw", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected disabled authenticator to pass requests, got %d", res.Code)
	}
}
