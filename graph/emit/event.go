package emit

import "time"

// Event messages emitted by the engine.
const (
	MsgRunStart        = "run_start"
	MsgNodeStart       = "node_start"
	MsgNodeEnd         = "node_end"
	MsgNodeError       = "node_error"
	MsgSuperstepEnd    = "superstep_end"
	MsgCheckpointSaved = "checkpoint_saved"
	MsgInterrupt       = "interrupt"
	MsgResume          = "resume"
	MsgRunComplete     = "run_complete"
)

// Event is an observability record produced while a thread executes.
//
// Events describe what happened; they are never read back by the engine and
// carry no guarantees beyond best-effort delivery.
type Event struct {
	// ThreadID identifies the durable thread that produced the event.
	ThreadID string

	// Step is the superstep number the event belongs to. Thread-level
	// events (run_start, run_complete) carry the last durable step.
	Step int

	// NodeID is empty for thread-level events.
	NodeID string

	// Msg is one of the Msg* constants.
	Msg string

	// Time is set by the engine clock.
	Time time.Time

	// Meta holds message specific data such as "duration_ms", "error",
	// "frontier" or "delta".
	Meta map[string]interface{}
}

// WithMeta returns a copy of the event with key set in its metadata.
func (e Event) WithMeta(key string, value interface{}) Event {
	meta := make(map[string]interface{}, len(e.Meta)+1)
	for k, v := range e.Meta {
		meta[k] = v
	}
	meta[key] = value
	e.Meta = meta
	return e
}
