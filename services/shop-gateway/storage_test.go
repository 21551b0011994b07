package main

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore("file:storetest?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestIdempotencyRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cached, err := store.LookupIdempotency(ctx, "storefront", "key-1", "hash-a")
	require.NoError(t, err)
	require.Nil(t, cached)

	require.NoError(t, store.SaveIdempotency(ctx, "storefront", "key-1", "hash-a", http.StatusCreated, []byte(`{"id":"0xabc"}`)))

	cached, err = store.LookupIdempotency(ctx, "storefront", "key-1", "hash-a")
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.Equal(t, http.StatusCreated, cached.Status)
	require.JSONEq(t, `{"id":"0xabc"}`, string(cached.Body))

	_, err = store.LookupIdempotency(ctx, "storefront", "key-1", "hash-b")
	require.ErrorIs(t, err, ErrIdempotencyMismatch)

	// Scopes partition the keyspace: another partner may reuse the key.
	cached, err = store.LookupIdempotency(ctx, "other-partner", "key-1", "hash-a")
	require.NoError(t, err)
	require.Nil(t, cached)
}

func TestAuditLogInsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := AuditEntry{
		RequestID:      "req-1",
		Scope:          "storefront",
		Method:         http.MethodPost,
		Path:           "/shop/purchases",
		RequestBody:    []byte(`{"buyer":"shop1buyer"}`),
		ResponseBody:   []byte(`{"id":"0xabc"}`),
		ResponseStatus: http.StatusCreated,
		Timestamp:      time.Unix(1_700_000_000, 0).UTC(),
	}
	require.NoError(t, store.InsertAuditLog(ctx, entry))

	var count int
	var scope, path string
	row := store.db.QueryRowContext(ctx, `SELECT COUNT(*), MAX(scope), MAX(path) FROM audit_log`)
	require.NoError(t, row.Scan(&count, &scope, &path))
	require.Equal(t, 1, count)
	require.Equal(t, "storefront", scope)
	require.Equal(t, "/shop/purchases", path)
}

func TestEventCursorRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cursor, err := store.LastEventCursor(ctx)
	require.NoError(t, err)
	require.Empty(t, cursor)

	require.NoError(t, store.UpdateEventCursor(ctx, "42"))
	cursor, err = store.LastEventCursor(ctx)
	require.NoError(t, err)
	require.Equal(t, "42", cursor)

	require.NoError(t, store.UpdateEventCursor(ctx, "43"))
	cursor, err = store.LastEventCursor(ctx)
	require.NoError(t, err)
	require.Equal(t, "43", cursor)
}

func TestInsertEventReplacesSequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := StoredEvent{
		Sequence:  5,
		Type:      "shop.purchased",
		Cursor:    "5",
		Payload:   map[string]string{"orderId": "abc"},
		CreatedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
	require.NoError(t, store.InsertEvent(ctx, first))

	// Replaying the feed after a reconnect rewrites the same sequence.
	second := first
	second.Payload = map[string]string{"orderId": "abc", "amount": "110"}
	require.NoError(t, store.InsertEvent(ctx, second))

	var count int
	row := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM shop_events WHERE sequence = 5`)
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 1, count)
}

func TestWebhookSubscriptionRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.InsertWebhook(ctx, WebhookSubscription{
		APIKey:    "storefront",
		EventType: "shop.refunded",
		URL:       "https://partner.example/hooks",
		Secret:    "hook-secret",
		Active:    true,
		CreatedAt: time.Unix(1_700_000_000, 0).UTC(),
	})
	require.NoError(t, err)
	require.Positive(t, id)

	subs, err := store.ListWebhooksForEvent(ctx, "shop.refunded")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "storefront", subs[0].APIKey)
	require.Equal(t, 60, subs[0].RateLimit, "zero rate limit falls back to the default")

	require.NoError(t, store.InsertWebhookAttempt(ctx, WebhookAttempt{
		WebhookID:     id,
		EventSequence: 9,
		Attempt:       1,
		Status:        "success",
		CreatedAt:     time.Unix(1_700_000_100, 0).UTC(),
	}))

	none, err := store.ListWebhooksForEvent(ctx, "shop.purchased")
	require.NoError(t, err)
	require.Empty(t, none)
}
