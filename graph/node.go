package graph

import (
	"context"
	"fmt"
	"strings"
)

// NodeKind separates nodes the engine runs from nodes that wait for input.
type NodeKind int

const (
	// Computation nodes are functions of the state snapshot.
	Computation NodeKind = iota

	// Human nodes are never executed. They pause the thread until a
	// driver supplies input through Engine.Resume.
	Human
)

func (k NodeKind) String() string {
	if k == Human {
		return "human"
	}
	return "computation"
}

// MarshalText implements encoding.TextMarshaler.
func (k NodeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Node is a unit of computation.
//
// Run receives an immutable snapshot shared with every other node of the
// superstep and returns a partial update. It must not retain the snapshot
// across calls.
type Node interface {
	Run(ctx context.Context, state State) NodeResult
}

// NodeFunc adapts a function to Node.
type NodeFunc func(ctx context.Context, state State) NodeResult

// Run implements Node.
func (f NodeFunc) Run(ctx context.Context, state State) NodeResult {
	return f(ctx, state)
}

// Decision is a routing tag chosen by a node. A node that routes with
// AddDecisionEdge must return one of the decisions it declares.
type Decision string

// NodeResult is what a computation node returns.
type NodeResult struct {
	Delta    Delta
	Decision Decision
	Err      error
}

// Update returns a result carrying delta.
func Update(delta Delta) NodeResult {
	return NodeResult{Delta: delta}
}

// Decide returns a result carrying delta and a routing decision.
func Decide(d Decision, delta Delta) NodeResult {
	return NodeResult{Delta: delta, Decision: d}
}

// Fail returns a failed result.
func Fail(err error) NodeResult {
	return NodeResult{Err: err}
}

// InputParser turns the values supplied on resume into a delta. The delta
// may only touch the node's input fields and the graph's termination field.
type InputParser func(values map[string]any) (Delta, error)

// NodeSpec declares one node of a graph.
type NodeSpec struct {
	ID   string
	Kind NodeKind

	// Run is required for computation nodes and must be nil for human
	// nodes.
	Run Node

	// Prompt is shown to whoever answers a human node.
	Prompt string

	// InputFields are the state fields a human node accepts on resume.
	InputFields []string

	// Parse optionally converts resume values before they are checked
	// against InputFields.
	Parse InputParser

	// Outputs, when set, restrict which fields a computation node may
	// write.
	Outputs []string

	// Decisions are the routing tags the node may return.
	Decisions []Decision

	// Capabilities names the tools the node expects to have bound. It is
	// metadata for capability reports and is not read by the engine.
	Capabilities []string
}

// NodeOption customises a NodeSpec.
type NodeOption func(*NodeSpec)

// WithOutputs restricts a computation node's writes to fields.
func WithOutputs(fields ...string) NodeOption {
	return func(s *NodeSpec) { s.Outputs = append(s.Outputs, fields...) }
}

// WithDecisions declares the routing decisions a node may return.
func WithDecisions(ds ...Decision) NodeOption {
	return func(s *NodeSpec) { s.Decisions = append(s.Decisions, ds...) }
}

// WithInputParser sets the resume value parser of a human node.
func WithInputParser(p InputParser) NodeOption {
	return func(s *NodeSpec) { s.Parse = p }
}

// WithCapabilities records the tool capabilities a node expects.
func WithCapabilities(names ...string) NodeOption {
	return func(s *NodeSpec) { s.Capabilities = append(s.Capabilities, names...) }
}

// ExitOnWords returns a parser for a single free-text input field. A reply
// equal to one of words (case and surrounding space ignored) sets the
// termination field to true instead of storing the reply.
func ExitOnWords(field, terminationField string, words ...string) InputParser {
	exits := make(map[string]struct{}, len(words))
	for _, w := range words {
		exits[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}
	return func(values map[string]any) (Delta, error) {
		delta := Delta{}
		for k, v := range values {
			if k != field {
				delta[k] = v
				continue
			}
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("field %s must be text, got %T", field, v)
			}
			if _, exit := exits[strings.ToLower(strings.TrimSpace(s))]; exit {
				delta[terminationField] = true
				continue
			}
			delta[k] = s
		}
		return delta, nil
	}
}
