package auth

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestLevelDBNonceStoreVerifierRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nonces")
	store, err := NewLevelDBNonceStore(path)
	if err != nil {
		t.Fatalf("open nonce store: %v", err)
	}
	open := store
	t.Cleanup(func() {
		if open != nil {
			_ = open.Close()
		}
	})

	now := time.Unix(1_700_000_000, 0).UTC()
	body := []byte("payload")
	ts := strconv.FormatInt(now.Unix(), 10)
	nonce := "nonce-restart"
	cutoff := now.Add(-5 * time.Minute)

	v := NewVerifier(map[string]string{"storefront": "secret"}, 2*time.Minute, 5*time.Minute, 16, func() time.Time { return now }, store)
	if err := v.Hydrate(context.Background(), cutoff); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if _, err := v.Verify(signedRequest(t, "secret", "storefront", ts, nonce, body), body); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := v.Verify(signedRequest(t, "secret", "storefront", ts, nonce, body), body); !errors.Is(err, ErrNonceReplayed) {
		t.Fatalf("expected in-memory replay rejection, got %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	open = nil

	reopened, err := NewLevelDBNonceStore(path)
	if err != nil {
		t.Fatalf("reopen nonce store: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	restarted := NewVerifier(map[string]string{"storefront": "secret"}, 2*time.Minute, 5*time.Minute, 16, func() time.Time { return now }, reopened)
	if err := restarted.Hydrate(context.Background(), cutoff); err != nil {
		t.Fatalf("hydrate after restart: %v", err)
	}
	if _, err := restarted.Verify(signedRequest(t, "secret", "storefront", ts, nonce, body), body); !errors.Is(err, ErrNonceReplayed) {
		t.Fatalf("expected replay rejection after restart, got %v", err)
	}

	// A verifier that skips hydration still consults the backing store.
	cold := NewVerifier(map[string]string{"storefront": "secret"}, 2*time.Minute, 5*time.Minute, 16, func() time.Time { return now }, reopened)
	if _, err := cold.Verify(signedRequest(t, "secret", "storefront", ts, nonce, body), body); !errors.Is(err, ErrNonceReplayed) {
		t.Fatalf("expected replay rejection via store, got %v", err)
	}

	fresh := signedRequest(t, "secret", "storefront", ts, "nonce-fresh", body)
	fresh.Method = http.MethodPost
	if _, err := restarted.Verify(fresh, body); err != nil {
		t.Fatalf("fresh nonce after restart: %v", err)
	}
}

func TestLevelDBNonceStorePrune(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLevelDBNonceStore(filepath.Join(dir, "nonces"))
	if err != nil {
		t.Fatalf("open nonce store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	base := time.Unix(1_700_000_000, 0).UTC()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		rec := NonceRecord{
			APIKey:     "storefront",
			Timestamp:  strconv.FormatInt(base.Unix(), 10),
			Nonce:      "nonce-" + strconv.Itoa(i),
			ObservedAt: base.Add(time.Duration(i) * time.Minute),
		}
		seen, err := store.Record(ctx, rec)
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if seen {
			t.Fatalf("record %d unexpectedly seen", i)
		}
	}

	cutoff := base.Add(2 * time.Minute)
	if err := store.Prune(ctx, cutoff); err != nil {
		t.Fatalf("prune: %v", err)
	}
	recent, err := store.Recent(ctx, time.Time{})
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 surviving records, got %d", len(recent))
	}
	for _, rec := range recent {
		if rec.ObservedAt.Before(cutoff) {
			t.Fatalf("record %q should have been pruned", rec.Nonce)
		}
	}
}
