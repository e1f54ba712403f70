package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dshills/durable-graph/graph"
)

// threadView is the JSON form of a thread printed by every command.
type threadView struct {
	ThreadID  string            `json:"thread_id"`
	Status    graph.Status      `json:"status"`
	Step      int               `json:"step"`
	State     graph.State       `json:"state"`
	Frontier  []string          `json:"frontier"`
	Pending   []graph.Interrupt `json:"pending,omitempty"`
	Events    []graph.NodeEvent `json:"events,omitempty"`
	UpdatedAt *time.Time        `json:"updated_at,omitempty"`
}

func resultView(r *graph.Result) threadView {
	return threadView{
		ThreadID: r.ThreadID,
		Status:   r.Status,
		Step:     r.Step,
		State:    r.State,
		Frontier: nonNil(r.Frontier),
		Pending:  r.Pending,
		Events:   r.Events,
	}
}

func stateView(ts graph.ThreadState) threadView {
	updated := ts.UpdatedAt
	return threadView{
		ThreadID:  ts.ThreadID,
		Status:    ts.Status,
		Step:      ts.Step,
		State:     ts.State,
		Frontier:  nonNil(ts.Frontier),
		Pending:   ts.Pending,
		UpdatedAt: &updated,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseValues turns key=value pairs into input values. A value that parses
// as JSON is used as such; anything else is a string.
func parseValues(pairs []string, raw string) (map[string]any, error) {
	values := make(map[string]any)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &values); err != nil {
			return nil, fmt.Errorf("--input: %w", err)
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--set %q: want field=value", p)
		}
		values[k] = parseValue(v)
	}
	return values, nil
}

func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

// describePending writes what each waiting human node asks for.
func describePending(w io.Writer, pending []graph.Interrupt) {
	sorted := append([]graph.Interrupt(nil), pending...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].NodeID < sorted[j].NodeID })
	for _, in := range sorted {
		fmt.Fprintf(w, "waiting on %s", in.NodeID)
		if in.Prompt != "" {
			fmt.Fprintf(w, ": %s", in.Prompt)
		}
		fmt.Fprintf(w, " (fields: %s)\n", strings.Join(in.InputFields, ", "))
	}
}
