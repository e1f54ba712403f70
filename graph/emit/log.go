package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter writes one line per event to a writer.
//
// Two formats are supported:
//   - text: the message in brackets followed by key=value pairs
//   - JSON: one object per line (JSONL), suited to log shippers
//
// Text output:
//
//	[node_end] thread=t-1 step=3 node=score meta={"duration_ms":12}
//
// JSON output:
//
//	{"thread":"t-1","step":3,"node":"score","msg":"node_end","meta":{"duration_ms":12}}
//
// Usage:
//
//	// Human-readable lines on stderr
//	engine, err := graph.New(g, st, graph.WithEmitter(emit.NewLogEmitter(os.Stderr, false)))
//
//	// JSONL to a file, alongside tracing
//	f, err := os.Create("events.jsonl")
//	if err != nil {
//		return err
//	}
//	defer f.Close()
//	emitter := emit.NewMultiEmitter(emit.NewLogEmitter(f, true), emit.NewOTelEmitter(tracer))
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer means os.Stderr.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stderr
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
	}
}

// Emit implements Emitter. Lines from concurrent nodes are never interleaved.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		l.emitJSON(event)
		return
	}
	l.emitText(event)
}

func (l *LogEmitter) emitJSON(event Event) {
	record := struct {
		Thread string                 `json:"thread"`
		Step   int                    `json:"step"`
		Node   string                 `json:"node,omitempty"`
		Msg    string                 `json:"msg"`
		Time   string                 `json:"time,omitempty"`
		Meta   map[string]interface{} `json:"meta,omitempty"`
	}{
		Thread: event.ThreadID,
		Step:   event.Step,
		Node:   event.NodeID,
		Msg:    event.Msg,
		Meta:   event.Meta,
	}
	if !event.Time.IsZero() {
		record.Time = event.Time.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}

	data, err := json.Marshal(record)
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":%q}\n", "marshal event: "+err.Error())
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] thread=%s step=%d", event.Msg, event.ThreadID, event.Step)
	if event.NodeID != "" {
		fmt.Fprintf(l.writer, " node=%s", event.NodeID)
	}

	if len(event.Meta) > 0 {
		metaJSON, err := json.Marshal(event.Meta)
		if err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}

	fmt.Fprint(l.writer, "\n")
}
