package graph

import (
	"time"

	"github.com/dshills/durable-graph/graph/store"
)

// Status is the externally visible state of a thread.
type Status string

const (
	// StatusCompleted means the frontier is empty.
	StatusCompleted Status = "completed"

	// StatusAwaitingInput means a human node in the frontier needs input.
	StatusAwaitingInput Status = "awaiting_input"

	// StatusFailed is reported with the ExecutionError or
	// PersistenceError that aborted a superstep.
	StatusFailed Status = "failed"

	// StatusPending means the frontier holds runnable work that was not
	// executed, because a step budget or the context stopped the call or
	// a previous superstep failed.
	StatusPending Status = "pending"
)

// Input is what a driver supplies to resume a paused thread.
type Input struct {
	// NodeID selects the human node being answered. It may be empty when
	// exactly one human node is waiting.
	NodeID string

	Values map[string]any
}

// Interrupt describes a human node waiting for input.
type Interrupt struct {
	NodeID      string   `json:"node_id"`
	Prompt      string   `json:"prompt,omitempty"`
	InputFields []string `json:"input_fields"`
}

// NodeEvent reports one node's contribution to a superstep, in merge order.
type NodeEvent struct {
	Step   int      `json:"step"`
	NodeID string   `json:"node_id"`
	Kind   NodeKind `json:"kind"`
	Delta  Delta    `json:"delta"`
}

// Result is returned by Run, Resume and Continue.
type Result struct {
	ThreadID string
	Status   Status
	Step     int
	State    State
	Frontier []string
	Events   []NodeEvent
	Pending  []Interrupt
}

// ThreadState is the latest durable view of a thread.
type ThreadState struct {
	ThreadID  string
	Step      int
	Status    Status
	State     State
	Frontier  []string
	Pending   []Interrupt
	UpdatedAt time.Time
}

// pendingHumans lists the human nodes of frontier that have no input yet.
func (g *Graph) pendingHumans(frontier []string, inputs map[string]Delta) []Interrupt {
	var out []Interrupt
	for _, id := range frontier {
		spec, ok := g.nodes[id]
		if !ok || spec.Kind != Human {
			continue
		}
		if _, answered := inputs[id]; answered {
			continue
		}
		out = append(out, Interrupt{
			NodeID:      id,
			Prompt:      spec.Prompt,
			InputFields: append([]string(nil), spec.InputFields...),
		})
	}
	return out
}

func (g *Graph) statusOf(frontier []string, inputs map[string]Delta) Status {
	if len(frontier) == 0 {
		return StatusCompleted
	}
	if len(g.pendingHumans(frontier, inputs)) > 0 {
		return StatusAwaitingInput
	}
	return StatusPending
}

func inputsFromCheckpoint(in map[string]map[string]any) map[string]Delta {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]Delta, len(in))
	for id, values := range in {
		out[id] = Delta(cloneMap(values))
	}
	return out
}

func inputsToCheckpoint(in map[string]Delta) map[string]map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]map[string]any, len(in))
	for id, d := range in {
		out[id] = cloneMap(d)
	}
	return out
}

func (g *Graph) threadState(cp store.Checkpoint) (ThreadState, error) {
	c, err := restoreContainer(g.schema, cp.State)
	if err != nil {
		return ThreadState{}, err
	}
	inputs := inputsFromCheckpoint(cp.Inputs)
	return ThreadState{
		ThreadID:  cp.ThreadID,
		Step:      cp.Step,
		Status:    g.statusOf(cp.Frontier, inputs),
		State:     c.Snapshot(),
		Frontier:  append([]string(nil), cp.Frontier...),
		Pending:   g.pendingHumans(cp.Frontier, inputs),
		UpdatedAt: cp.Timestamp,
	}, nil
}
