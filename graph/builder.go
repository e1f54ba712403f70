package graph

import (
	"errors"
	"fmt"
	"sort"
)

// Builder assembles a graph. Add* methods report obvious mistakes
// immediately and also remember them, so Compile reports every problem at
// once.
//
//	b := graph.NewBuilder(schema)
//	b.AddNode("intake", intake)
//	b.AddHumanNode("review", "Approve the candidate?", []string{"approved"})
//	b.AddEdge(graph.Start, "intake")
//	b.AddEdge("intake", "review")
//	b.AddEdge("review", graph.End)
//	g, err := b.Compile()
type Builder struct {
	schema           *Schema
	nodes            map[string]NodeSpec
	order            []string
	static           []staticEdge
	conditional      []conditionalEdge
	decisions        []decisionEdge
	terminationField string
	problems         []error
}

// NewBuilder starts an empty graph over schema.
func NewBuilder(schema *Schema) *Builder {
	return &Builder{
		schema: schema,
		nodes:  make(map[string]NodeSpec),
	}
}

// AddNode adds a computation node.
func (b *Builder) AddNode(id string, node Node, opts ...NodeOption) error {
	spec := NodeSpec{ID: id, Kind: Computation, Run: node}
	for _, opt := range opts {
		opt(&spec)
	}
	return b.AddSpec(spec)
}

// AddHumanNode adds a node that pauses the thread until input for
// inputFields is supplied.
func (b *Builder) AddHumanNode(id, prompt string, inputFields []string, opts ...NodeOption) error {
	spec := NodeSpec{ID: id, Kind: Human, Prompt: prompt, InputFields: inputFields}
	for _, opt := range opts {
		opt(&spec)
	}
	return b.AddSpec(spec)
}

// AddSpec adds a fully described node.
func (b *Builder) AddSpec(spec NodeSpec) error {
	var err error
	switch {
	case spec.ID == "":
		err = &ValidationError{Reason: "node id is empty"}
	case spec.ID == Start || spec.ID == End:
		err = &ValidationError{NodeID: spec.ID, Reason: "node id is reserved"}
	case b.nodes[spec.ID].ID != "":
		err = &ValidationError{NodeID: spec.ID, Reason: "duplicate node id"}
	case spec.Kind == Computation && spec.Run == nil:
		err = &ValidationError{NodeID: spec.ID, Reason: "computation node has no function"}
	case spec.Kind == Human && spec.Run != nil:
		err = &ValidationError{NodeID: spec.ID, Reason: "human node must not have a function"}
	case spec.Kind != Computation && spec.Kind != Human:
		err = &ValidationError{NodeID: spec.ID, Reason: fmt.Sprintf("unknown node kind %d", spec.Kind)}
	}
	if err != nil {
		b.problems = append(b.problems, err)
		return err
	}

	b.nodes[spec.ID] = spec
	b.order = append(b.order, spec.ID)
	return nil
}

// AddEdge adds an unconditional edge. Edges from Start declare entry nodes.
func (b *Builder) AddEdge(from, to string) error {
	if from == "" || to == "" {
		err := &ValidationError{NodeID: from, Reason: "edge endpoint is empty"}
		b.problems = append(b.problems, err)
		return err
	}
	b.static = append(b.static, staticEdge{from: from, to: to})
	return nil
}

// AddConditionalEdge routes from a node by a predicate. keys is the full
// set of values the predicate may return and every key needs a target in
// mapping; a key outside keys at run time is an ExecutionError.
func (b *Builder) AddConditionalEdge(from string, keys []string, predicate Predicate, mapping map[string]string) error {
	var err error
	switch {
	case from == "":
		err = &ValidationError{Reason: "conditional edge has no source"}
	case predicate == nil:
		err = &ValidationError{NodeID: from, Reason: "conditional edge has no predicate"}
	case len(keys) == 0:
		err = &ValidationError{NodeID: from, Reason: "conditional edge declares no keys"}
	}
	if err != nil {
		b.problems = append(b.problems, err)
		return err
	}

	m := make(map[string]string, len(mapping))
	for k, v := range mapping {
		m[k] = v
	}
	b.conditional = append(b.conditional, conditionalEdge{
		from:      from,
		keys:      append([]string(nil), keys...),
		predicate: predicate,
		mapping:   m,
	})
	return nil
}

// AddDecisionEdge routes from a node by the Decision it returns. The
// node's declared decisions are the key set.
func (b *Builder) AddDecisionEdge(from string, mapping map[Decision]string) error {
	if from == "" {
		err := &ValidationError{Reason: "decision edge has no source"}
		b.problems = append(b.problems, err)
		return err
	}
	m := make(map[Decision]string, len(mapping))
	for k, v := range mapping {
		m[k] = v
	}
	b.decisions = append(b.decisions, decisionEdge{from: from, mapping: m})
	return nil
}

// SetTerminationField names a state field that, once truthy, routes every
// node of the next edge evaluation to End.
func (b *Builder) SetTerminationField(name string) {
	b.terminationField = name
}

// Validate reports every structural problem of the graph. Each problem is
// a *ValidationError; they are joined with errors.Join.
func (b *Builder) Validate() error {
	problems := append([]error(nil), b.problems...)
	add := func(nodeID, field, format string, args ...any) {
		problems = append(problems, &ValidationError{NodeID: nodeID, Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if b.schema == nil {
		add("", "", "graph has no schema")
		return errors.Join(problems...)
	}

	source := func(id string) bool { _, ok := b.nodes[id]; return ok || id == Start }
	target := func(id string) bool { _, ok := b.nodes[id]; return ok || id == End }

	for _, id := range b.order {
		spec := b.nodes[id]
		if spec.Kind == Human {
			if len(spec.InputFields) == 0 {
				add(id, "", "human node declares no input fields")
			}
			for _, f := range spec.InputFields {
				if !b.schema.Has(f) {
					add(id, f, "input field is not declared in the schema")
				}
			}
		}
		for _, f := range spec.Outputs {
			if !b.schema.Has(f) {
				add(id, f, "output field is not declared in the schema")
			}
		}
	}

	entries := 0
	for _, e := range b.static {
		if !source(e.from) {
			add(e.from, "", "edge source %q is not defined", e.from)
		}
		if !target(e.to) {
			add(e.from, "", "edge target %q is not defined", e.to)
		}
		if e.from == Start && e.to != End {
			entries++
		}
	}
	if entries == 0 {
		add("", "", "no entry node: add an edge from %s", Start)
	}

	for _, ce := range b.conditional {
		if _, ok := b.nodes[ce.from]; !ok {
			add(ce.from, "", "conditional edge source is not defined")
		}
		seen := make(map[string]bool, len(ce.keys))
		for _, k := range ce.keys {
			if seen[k] {
				add(ce.from, "", "conditional key %q declared twice", k)
			}
			seen[k] = true
			to, ok := ce.mapping[k]
			if !ok {
				add(ce.from, "", "conditional key %q has no target", k)
				continue
			}
			if !target(to) {
				add(ce.from, "", "conditional key %q targets undefined node %q", k, to)
			}
		}
		for k := range ce.mapping {
			if !seen[k] {
				add(ce.from, "", "mapping key %q is not a declared key", k)
			}
		}
	}

	withDecisionEdge := make(map[string]bool)
	for _, de := range b.decisions {
		spec, ok := b.nodes[de.from]
		if !ok {
			add(de.from, "", "decision edge source is not defined")
			continue
		}
		if withDecisionEdge[de.from] {
			add(de.from, "", "node has more than one decision edge")
		}
		withDecisionEdge[de.from] = true
		if spec.Kind != Computation {
			add(de.from, "", "only computation nodes return decisions")
		}
		if len(spec.Decisions) == 0 {
			add(de.from, "", "decision edge on a node that declares no decisions")
		}
		for _, d := range spec.Decisions {
			to, ok := de.mapping[d]
			if !ok {
				add(de.from, "", "decision %q has no target", d)
				continue
			}
			if !target(to) {
				add(de.from, "", "decision %q targets undefined node %q", d, to)
			}
		}
		for d := range de.mapping {
			if !containsDecision(spec.Decisions, d) {
				add(de.from, "", "mapping decision %q is not declared by the node", d)
			}
		}
	}

	if b.terminationField != "" && !b.schema.Has(b.terminationField) {
		add("", b.terminationField, "termination field is not declared in the schema")
	}

	return errors.Join(problems...)
}

// Compile validates the graph and freezes it. Later changes to the builder
// do not affect the returned Graph.
func (b *Builder) Compile() (*Graph, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	g := &Graph{
		schema:           b.schema,
		nodes:            make(map[string]NodeSpec, len(b.nodes)),
		routes:           make(map[string]*route, len(b.nodes)),
		terminationField: b.terminationField,
	}
	for id, spec := range b.nodes {
		g.nodes[id] = spec
		g.routes[id] = &route{}
	}

	entries := make(map[string]struct{})
	for _, e := range b.static {
		if e.from == Start {
			entries[e.to] = struct{}{}
			continue
		}
		g.routes[e.from].static = append(g.routes[e.from].static, e.to)
	}
	g.entries = frontierOf(entries)

	for _, ce := range b.conditional {
		g.routes[ce.from].conditional = append(g.routes[ce.from].conditional, ce)
	}
	for i := range b.decisions {
		de := b.decisions[i]
		g.routes[de.from].decision = &de
	}
	return g, nil
}

// Graph is a validated, immutable graph definition. It is safe to share
// between engines.
type Graph struct {
	schema           *Schema
	nodes            map[string]NodeSpec
	routes           map[string]*route
	entries          []string
	terminationField string
}

// Schema returns the graph's state schema.
func (g *Graph) Schema() *Schema {
	return g.schema
}

// Node returns the spec of id.
func (g *Graph) Node(id string) (NodeSpec, bool) {
	spec, ok := g.nodes[id]
	return spec, ok
}

// Nodes returns every node spec sorted by id.
func (g *Graph) Nodes() []NodeSpec {
	out := make([]NodeSpec, 0, len(g.nodes))
	for _, spec := range g.nodes {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Entries returns the nodes reached from Start, sorted.
func (g *Graph) Entries() []string {
	return append([]string(nil), g.entries...)
}

// TerminationField returns the configured termination field, if any.
func (g *Graph) TerminationField() string {
	return g.terminationField
}
