package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

const (
	watcherInitialBackoff = time.Second
	watcherMaxBackoff     = 30 * time.Second
)

// eventUpdate mirrors the node's websocket event frame.
type eventUpdate struct {
	Sequence uint64 `json:"sequence"`
	Cursor   string `json:"cursor"`
	Event    struct {
		Type       string            `json:"type"`
		Attributes map[string]string `json:"attributes"`
	} `json:"event"`
}

// EventWatcher tails the node's /ws/events feed, persists every update and
// enqueues webhook notifications. It is the only component that feeds the
// webhook queue; HTTP handlers never enqueue directly, so a delivery is
// triggered exactly once per committed ledger event.
type EventWatcher struct {
	nodeURL string
	store   *SQLiteStore
	queue   *WebhookQueue
	logger  *slog.Logger
	nowFn   func() time.Time
}

// NewEventWatcher constructs a watcher resuming from the persisted cursor.
func NewEventWatcher(nodeURL string, store *SQLiteStore, queue *WebhookQueue, logger *slog.Logger) *EventWatcher {
	if queue == nil {
		queue = NewWebhookQueue()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventWatcher{
		nodeURL: strings.TrimSpace(nodeURL),
		store:   store,
		queue:   queue,
		logger:  logger,
		nowFn:   time.Now,
	}
}

// Run streams events until the context is cancelled, reconnecting with
// exponential backoff. The persisted cursor makes reconnects resume after the
// last stored update instead of replaying the node's full backlog.
func (w *EventWatcher) Run(ctx context.Context) {
	if w.nodeURL == "" || w.store == nil || w.queue == nil {
		return
	}
	backoff := watcherInitialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		delivered, err := w.streamOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.Warn("event stream interrupted", "error", err, "retry_in", backoff)
		}
		if delivered {
			backoff = watcherInitialBackoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > watcherMaxBackoff {
			backoff = watcherMaxBackoff
		}
	}
}

// streamOnce dials the feed, replays from the stored cursor and processes
// updates until the connection drops. It reports whether any update was
// handled so the caller can reset its backoff.
func (w *EventWatcher) streamOnce(ctx context.Context) (bool, error) {
	cursor, err := w.store.LastEventCursor(ctx)
	if err != nil {
		return false, err
	}
	target, err := w.streamURL(cursor)
	if err != nil {
		return false, err
	}
	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "watcher stopped")

	delivered := false
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return delivered, err
		}
		var update eventUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			w.logger.Warn("dropping malformed event frame", "error", err)
			continue
		}
		w.handleUpdate(ctx, update)
		delivered = true
	}
}

func (w *EventWatcher) handleUpdate(ctx context.Context, update eventUpdate) {
	createdAt := w.nowFn().UTC()
	payload := make(map[string]string, len(update.Event.Attributes))
	for k, v := range update.Event.Attributes {
		payload[k] = v
	}
	stored := StoredEvent{
		Sequence:  update.Sequence,
		Type:      update.Event.Type,
		Cursor:    update.Cursor,
		Payload:   payload,
		CreatedAt: createdAt,
	}
	if err := w.store.InsertEvent(ctx, stored); err != nil {
		w.logger.Warn("persist event failed", "sequence", update.Sequence, "error", err)
	}
	if err := w.store.UpdateEventCursor(ctx, update.Cursor); err != nil {
		w.logger.Warn("persist cursor failed", "cursor", update.Cursor, "error", err)
	}

	webhook := WebhookEvent{
		Sequence:   update.Sequence,
		Type:       update.Event.Type,
		Attributes: payload,
		CreatedAt:  createdAt,
	}
	if id := strings.TrimSpace(payload["orderId"]); id != "" {
		webhook.OrderID = id
	}
	w.queue.Enqueue(webhook)
}

// streamURL rewrites the node RPC base URL into the websocket feed endpoint.
func (w *EventWatcher) streamURL(cursor string) (string, error) {
	parsed, err := url.Parse(w.nodeURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	parsed.Path = "/ws/events"
	parsed.RawQuery = ""
	if cursor != "" {
		parsed.RawQuery = "cursor=" + url.QueryEscape(cursor)
	}
	return parsed.String(), nil
}
