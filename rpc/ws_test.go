package rpc

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"shopledger/core"
	"shopledger/ledger"
)

func dialEvents(t *testing.T, ctx context.Context, baseURL, cursor string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws/events"
	if cursor != "" {
		wsURL += "?cursor=" + cursor
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func readUpdate(t *testing.T, ctx context.Context, conn *websocket.Conn) core.EventUpdate {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var update core.EventUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	return update
}

func TestEventsWebsocketReplaysAndStreams(t *testing.T) {
	server, node := newTestServer(t, ServerConfig{})
	buyer := rpcTestAddress(0x11)

	if _, err := node.Purchase(buyer, big.NewInt(110)); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialEvents(t, ctx, ts.URL, "0")

	update := readUpdate(t, ctx, conn)
	if update.Event.Type != ledger.EventTypePurchased {
		t.Fatalf("unexpected backlog event type %q", update.Event.Type)
	}
	if update.Cursor != "1" {
		t.Fatalf("unexpected backlog cursor %q", update.Cursor)
	}

	// The backlog frame proves the subscription is registered, so the next
	// purchase must arrive live.
	if _, err := node.Purchase(buyer, big.NewInt(110)); err != nil {
		t.Fatalf("second purchase: %v", err)
	}
	update = readUpdate(t, ctx, conn)
	if update.Event.Type != ledger.EventTypePurchased {
		t.Fatalf("unexpected live event type %q", update.Event.Type)
	}
	if update.Cursor != "2" {
		t.Fatalf("unexpected live cursor %q", update.Cursor)
	}
}

func TestEventsWebsocketResumesAfterCursor(t *testing.T) {
	server, node := newTestServer(t, ServerConfig{})
	buyer := rpcTestAddress(0x11)

	for i := 0; i < 2; i++ {
		if _, err := node.Purchase(buyer, big.NewInt(110)); err != nil {
			t.Fatalf("purchase %d: %v", i, err)
		}
	}

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialEvents(t, ctx, ts.URL, "1")
	update := readUpdate(t, ctx, conn)
	if update.Cursor != "2" {
		t.Fatalf("expected resume after cursor 1, got %q", update.Cursor)
	}
}

func TestEventsWebsocketRejectsMalformedCursor(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialEvents(t, ctx, ts.URL, "not-a-number")
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatalf("expected close for malformed cursor")
	}
}
