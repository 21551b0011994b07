package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"shopledger/core/events"
	"shopledger/core/types"
	"shopledger/observability"
)

const eventHistoryLimit = 2048

// EventUpdate wraps a committed ledger event with a monotonically increasing
// cursor so subscribers can resume after a reconnect without gaps.
type EventUpdate struct {
	Sequence uint64      `json:"sequence"`
	Cursor   string      `json:"cursor"`
	Event    types.Event `json:"event"`
}

type eventWithPayload interface {
	Event() *types.Event
}

// publishEvents converts buffered typed events into wire events and fans them
// out. It runs only after the owning overlay has committed, so subscribers
// never observe events for state that was rolled back.
func (n *Node) publishEvents(batch []events.Event) {
	for _, evt := range batch {
		payload, ok := evt.(eventWithPayload)
		if !ok {
			continue
		}
		event := payload.Event()
		if event == nil {
			continue
		}
		n.publishEvent(event.Copy())
	}
}

func (n *Node) publishEvent(event types.Event) {
	n.streamMu.Lock()
	if n.streamSubs == nil {
		n.streamSubs = make(map[uint64]chan EventUpdate)
	}
	n.streamSeq++
	update := EventUpdate{
		Sequence: n.streamSeq,
		Cursor:   strconv.FormatUint(n.streamSeq, 10),
		Event:    event,
	}
	n.streamHistory = append(n.streamHistory, update)
	if len(n.streamHistory) > eventHistoryLimit {
		excess := len(n.streamHistory) - eventHistoryLimit
		trimmed := make([]EventUpdate, eventHistoryLimit)
		copy(trimmed, n.streamHistory[excess:])
		n.streamHistory = trimmed
	}
	subscribers := make([]chan EventUpdate, 0, len(n.streamSubs))
	for _, ch := range n.streamSubs {
		subscribers = append(subscribers, ch)
	}
	n.streamMu.Unlock()

	observability.Events().RecordPublished(event.Type)

	broadcast := update
	broadcast.Event = update.Event.Copy()
	for _, ch := range subscribers {
		select {
		case ch <- broadcast:
		default:
		}
	}
}

// EventsSubscribe registers a subscriber for committed ledger events starting
// after the supplied cursor. It returns the live channel, a cancel function,
// and the retained backlog newer than the cursor. Slow subscribers miss
// updates rather than blocking the ledger.
func (n *Node) EventsSubscribe(ctx context.Context, cursor string) (<-chan EventUpdate, func(), []EventUpdate, error) {
	if n == nil {
		return nil, nil, nil, fmt.Errorf("node not initialised")
	}
	updates := make(chan EventUpdate, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		parsed, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid event cursor %q", cursor)
		}
		since = parsed
	}

	n.streamMu.Lock()
	if n.streamSubs == nil {
		n.streamSubs = make(map[uint64]chan EventUpdate)
	}
	id := n.streamNextID
	n.streamNextID++
	n.streamSubs[id] = updates
	live := len(n.streamSubs)
	history := make([]EventUpdate, len(n.streamHistory))
	copy(history, n.streamHistory)
	n.streamMu.Unlock()

	observability.Events().SetSubscribers(live)

	backlog := make([]EventUpdate, 0, len(history))
	for _, entry := range history {
		if entry.Sequence > since {
			replay := entry
			replay.Event = entry.Event.Copy()
			backlog = append(backlog, replay)
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.streamMu.Lock()
			sub, ok := n.streamSubs[id]
			if ok {
				delete(n.streamSubs, id)
				close(sub)
			}
			remaining := len(n.streamSubs)
			n.streamMu.Unlock()
			observability.Events().SetSubscribers(remaining)
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return updates, cancel, backlog, nil
}
