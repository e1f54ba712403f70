// Package emit provides pluggable observability sinks for graph execution.
package emit

// Emitter receives execution events.
//
// Implementations must be safe for concurrent use: computation nodes of one
// superstep run in parallel and emit node events from their own goroutines.
// Emit must not block execution for long and must not panic.
type Emitter interface {
	Emit(event Event)
}

// MultiEmitter fans each event out to several emitters in order.
type MultiEmitter []Emitter

// NewMultiEmitter drops nil emitters and returns the rest as one Emitter.
func NewMultiEmitter(emitters ...Emitter) MultiEmitter {
	out := make(MultiEmitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

// Emit forwards event to every wrapped emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
