package events

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, webhooks).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Buffer collects events during an operation so they can be published only
// once the backing state change has committed. A failed operation drops the
// buffer along with its overlay, so observers never see events for state that
// was rolled back.
type Buffer struct {
	pending []Event
}

// Emit implements the Emitter interface by queueing the event.
func (b *Buffer) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	b.pending = append(b.pending, evt)
}

// Drain returns the queued events and empties the buffer.
func (b *Buffer) Drain() []Event {
	if b == nil {
		return nil
	}
	drained := b.pending
	b.pending = nil
	return drained
}

// Len reports how many events are queued.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.pending)
}
