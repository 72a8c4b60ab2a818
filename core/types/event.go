package types

// Event is the wire representation of a ledger notification. Attributes are
// flat string pairs so downstream consumers (journal, websocket feed,
// history recorder) can serialise them without schema knowledge.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Copy returns a deep copy so subscribers can hold events without sharing the
// attribute map with the emitter.
func (e *Event) Copy() *Event {
	if e == nil {
		return nil
	}
	clone := &Event{Type: e.Type}
	if e.Attributes != nil {
		clone.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			clone.Attributes[k] = v
		}
	}
	return clone
}
