package types

// Event is the wire form of a typed event emitted after a committed state
// transition. Attributes are flat strings so the payload survives JSON-RPC,
// websocket frames, and webhook bodies unchanged.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Copy returns an independent copy so feed subscribers cannot mutate shared
// attribute maps.
func (e Event) Copy() Event {
	attrs := make(map[string]string, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	return Event{Type: e.Type, Attributes: attrs}
}
