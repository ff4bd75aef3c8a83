package events

// Event represents a structured state change emitted by the lending engine.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, journal).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// MultiEmitter forwards every event to each configured sink in order. A nil
// receiver or an empty sink list behaves like NoopEmitter.
type MultiEmitter struct {
	sinks []Emitter
}

// NewMultiEmitter builds an emitter broadcasting to the supplied sinks. Nil
// sinks are skipped so callers can pass optional subscribers directly.
func NewMultiEmitter(sinks ...Emitter) *MultiEmitter {
	multi := &MultiEmitter{}
	for _, sink := range sinks {
		if sink != nil {
			multi.sinks = append(multi.sinks, sink)
		}
	}
	return multi
}

// Emit implements the Emitter interface.
func (m *MultiEmitter) Emit(evt Event) {
	if m == nil {
		return
	}
	for _, sink := range m.sinks {
		sink.Emit(evt)
	}
}
