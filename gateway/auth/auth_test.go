package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

func signedRequest(t *testing.T, secret, apiKey, timestamp, nonce string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "https://gateway.test/shop/purchases", nil)
	req.Header.Set(HeaderAPIKey, apiKey)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, Signature(secret, timestamp, nonce, http.MethodPost, CanonicalRequestPath(req), body))
	return req
}

func TestReplayCacheCapacityEviction(t *testing.T) {
	cache := newReplayCache(5*time.Minute, 3)
	base := time.Unix(1700000000, 0).UTC()

	for i := 0; i < 3; i++ {
		cache.add(fmt.Sprintf("nonce-%d", i), base)
	}
	if got := len(cache.entries); got != 3 {
		t.Fatalf("expected 3 entries after fill, got %d", got)
	}

	cache.add("nonce-3", base)
	if got := len(cache.entries); got != 3 {
		t.Fatalf("expected capacity to stay at 3, got %d", got)
	}
	if cache.contains("nonce-0", base) {
		t.Fatalf("expected oldest nonce to be evicted at capacity")
	}
	if !cache.contains("nonce-1", base) {
		t.Fatalf("expected recent nonce to survive eviction")
	}

	cache.add("nonce-4", base)
	if got := len(cache.entries); got != 3 {
		t.Fatalf("expected capacity to stay bounded at 3, got %d", got)
	}
}

func TestReplayCacheExpiresOldEntries(t *testing.T) {
	cache := newReplayCache(30*time.Second, 5)
	base := time.Unix(1700000000, 0).UTC()

	cache.add("nonce-a", base)
	cache.add("nonce-b", base.Add(5*time.Second))

	future := base.Add(time.Minute)
	if cache.contains("nonce-a", future) {
		t.Fatalf("expected nonce-a to expire")
	}
	if cache.contains("nonce-b", future) {
		t.Fatalf("expected nonce-b to expire")
	}
	if got := len(cache.entries); got != 0 {
		t.Fatalf("expected expired entries to be pruned, got %d", got)
	}
}

func TestNewVerifierClampsLimits(t *testing.T) {
	v := NewVerifier(map[string]string{"storefront": "secret"}, 15*time.Minute, 30*time.Minute, 1_000_000, time.Now, nil)
	if v.skew != maxTimestampSkew {
		t.Fatalf("expected skew clamped to %s, got %s", maxTimestampSkew, v.skew)
	}
	if v.nonceTTL != maxNonceTTL {
		t.Fatalf("expected nonce TTL clamped to %s, got %s", maxNonceTTL, v.nonceTTL)
	}
	if v.capacity != maxNonceCapacity {
		t.Fatalf("expected capacity clamped to %d, got %d", maxNonceCapacity, v.capacity)
	}
}

func TestVerifierRejectsTamperedBody(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	v := NewVerifier(map[string]string{"storefront": "secret"}, 2*time.Minute, 5*time.Minute, 16, func() time.Time { return now }, nil)

	body := []byte(`{"buyer":"shop1...","payment":"110"}`)
	req := signedRequest(t, "secret", "storefront", strconv.FormatInt(now.Unix(), 10), "nonce-1", body)
	if _, err := v.Verify(req, []byte(`{"buyer":"shop1...","payment":"999"}`)); err == nil {
		t.Fatalf("expected tampered body to fail verification")
	}
	if _, err := v.Verify(req, body); err != nil {
		t.Fatalf("expected original body to verify: %v", err)
	}
}

func TestVerifierRejectsTimestampReplay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	v := NewVerifier(map[string]string{"storefront": "secret"}, 2*time.Minute, 5*time.Minute, 16, func() time.Time { return now }, nil)

	body := []byte("payload")
	ts := strconv.FormatInt(now.Unix(), 10)
	if _, err := v.Verify(signedRequest(t, "secret", "storefront", ts, "nonce-1", body), body); err != nil {
		t.Fatalf("first request: %v", err)
	}
	_, err := v.Verify(signedRequest(t, "secret", "storefront", ts, "nonce-2", body), body)
	if !errors.Is(err, ErrTimestampReplayed) {
		t.Fatalf("expected timestamp replay rejection, got %v", err)
	}
}

func TestVerifierPersistsNonceUsage(t *testing.T) {
	backend := newFakeNonceStore()
	now := time.Unix(1_700_000_000, 0).UTC()
	body := []byte("payload")
	ts := strconv.FormatInt(now.Unix(), 10)
	nonce := "nonce-42"
	cutoff := now.Add(-5 * time.Minute)

	v := NewVerifier(map[string]string{"storefront": "secret"}, 2*time.Minute, 5*time.Minute, 16, func() time.Time { return now }, backend)
	if err := v.Hydrate(context.Background(), cutoff); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	principal, err := v.Verify(signedRequest(t, "secret", "storefront", ts, nonce, body), body)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if principal.APIKey != "storefront" {
		t.Fatalf("unexpected principal: %+v", principal)
	}
	if count := backend.Count(); count != 1 {
		t.Fatalf("expected one persisted nonce, got %d", count)
	}

	restarted := NewVerifier(map[string]string{"storefront": "secret"}, 2*time.Minute, 5*time.Minute, 16, func() time.Time { return now }, backend)
	if err := restarted.Hydrate(context.Background(), cutoff); err != nil {
		t.Fatalf("hydrate after restart: %v", err)
	}
	if _, err := restarted.Verify(signedRequest(t, "secret", "storefront", ts, nonce, body), body); !errors.Is(err, ErrNonceReplayed) {
		t.Fatalf("expected replay after hydration, got %v", err)
	}

	// Even without hydration the store itself must reject the triple.
	cold := NewVerifier(map[string]string{"storefront": "secret"}, 2*time.Minute, 5*time.Minute, 16, func() time.Time { return now }, backend)
	if _, err := cold.Verify(signedRequest(t, "secret", "storefront", ts, nonce, body), body); !errors.Is(err, ErrNonceReplayed) {
		t.Fatalf("expected replay via store, got %v", err)
	}
}

type fakeNonceStore struct {
	mu      sync.Mutex
	records map[string]NonceRecord
}

func newFakeNonceStore() *fakeNonceStore {
	return &fakeNonceStore{records: make(map[string]NonceRecord)}
}

func (f *fakeNonceStore) Record(ctx context.Context, rec NonceRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := rec.APIKey + "|" + rec.Timestamp + "|" + rec.Nonce
	if existing, ok := f.records[key]; ok {
		if rec.ObservedAt.After(existing.ObservedAt) {
			f.records[key] = rec
		}
		return true, nil
	}
	f.records[key] = rec
	return false, nil
}

func (f *fakeNonceStore) Recent(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]NonceRecord, 0, len(f.records))
	for _, rec := range f.records {
		if rec.ObservedAt.Before(cutoff) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeNonceStore) Prune(ctx context.Context, cutoff time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, rec := range f.records {
		if rec.ObservedAt.Before(cutoff) {
			delete(f.records, key)
		}
	}
	return nil
}

func (f *fakeNonceStore) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}
