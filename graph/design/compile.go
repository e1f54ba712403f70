package design

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dshills/durable-graph/graph"
	"github.com/dshills/durable-graph/graph/tool"
)

// Compiled is a design turned into a runnable graph.
type Compiled struct {
	Graph    *graph.Graph
	Bindings map[string][]tool.Binding
}

// Compile builds the graph described by d. Node implementations,
// predicates and parsers come from nodes. When tools is non-nil every
// declared tool must resolve to a capability; unresolved names fail the
// compilation.
func Compile(d *Document, nodes *graph.Registry, tools *tool.Registry) (*Compiled, error) {
	if nodes == nil {
		return nil, errors.New("design: node registry is required")
	}

	schema, err := d.Schema()
	if err != nil {
		return nil, err
	}

	b := graph.NewBuilder(schema)
	if d.TerminationField != "" {
		b.SetTerminationField(d.TerminationField)
	}

	var problems []error
	for _, n := range d.Nodes {
		spec, err := nodeSpec(n, nodes)
		if err != nil {
			problems = append(problems, err)
			continue
		}
		// Builder records its own problems and reports them from Compile.
		_ = b.AddSpec(spec)
	}

	for _, e := range d.Edges {
		_ = b.AddEdge(endpoint(e.From), endpoint(e.To))
	}
	for _, c := range d.Conditional {
		if err := addConditional(b, c, nodes); err != nil {
			problems = append(problems, err)
		}
	}
	for _, dec := range d.Decisions {
		mapping := make(map[graph.Decision]string, len(dec.Routes))
		for k, v := range dec.Routes {
			mapping[graph.Decision(k)] = endpoint(v)
		}
		_ = b.AddDecisionEdge(endpoint(dec.From), mapping)
	}

	var bindings map[string][]tool.Binding
	if tools != nil {
		policy, err := tool.ParseDedupPolicy(d.Dedup)
		if err != nil {
			problems = append(problems, err)
		}
		bindings = make(map[string][]tool.Binding)
		for _, n := range d.Nodes {
			if len(n.Tools) == 0 {
				continue
			}
			bs, err := tools.Bind(n.Tools, policy)
			if err != nil {
				problems = append(problems, &graph.ValidationError{NodeID: n.ID, Reason: err.Error()})
				continue
			}
			bindings[n.ID] = bs
		}
	}

	g, err := b.Compile()
	if err != nil {
		problems = append(problems, err)
	}
	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}
	return &Compiled{Graph: g, Bindings: bindings}, nil
}

// Schema builds the state schema of the design.
func (d *Document) Schema() (*graph.Schema, error) {
	fields := make([]graph.Field, 0, len(d.Fields))
	for _, f := range d.Fields {
		policy, err := graph.ParseMergePolicy(f.Merge)
		if err != nil {
			return nil, &graph.ValidationError{Field: f.Name, Reason: err.Error()}
		}
		fields = append(fields, graph.Field{Name: f.Name, Policy: policy, Default: f.Default})
	}
	return graph.NewSchema(fields...)
}

func nodeSpec(n NodeDoc, reg *graph.Registry) (graph.NodeSpec, error) {
	spec := graph.NodeSpec{
		ID:           n.ID,
		Kind:         graph.Computation,
		Outputs:      n.Outputs,
		Capabilities: n.Tools,
	}
	for _, d := range n.Decisions {
		spec.Decisions = append(spec.Decisions, graph.Decision(d))
	}

	if n.Human() {
		spec.Kind = graph.Human
		spec.Prompt = n.Prompt
		spec.InputFields = n.Inputs
		if n.Parser != "" {
			p, ok := reg.Parser(n.Parser)
			if !ok {
				return spec, &graph.ValidationError{NodeID: n.ID, Reason: fmt.Sprintf("unknown input parser %q", n.Parser)}
			}
			spec.Parse = p
		}
		return spec, nil
	}

	impl := n.Impl
	if impl == "" {
		impl = n.ID
	}
	node, ok := reg.Node(impl)
	if !ok {
		return spec, &graph.ValidationError{NodeID: n.ID, Reason: fmt.Sprintf("unknown node implementation %q", impl)}
	}
	spec.Run = node
	return spec, nil
}

func addConditional(b *graph.Builder, c ConditionalDoc, reg *graph.Registry) error {
	from := endpoint(c.From)

	keys := make([]string, 0, len(c.Routes))
	mapping := make(map[string]string, len(c.Routes))
	for k, v := range c.Routes {
		keys = append(keys, k)
		mapping[k] = endpoint(v)
	}
	sort.Strings(keys)

	var pred graph.Predicate
	if c.Predicate != "" {
		p, ok := reg.Predicate(c.Predicate)
		if !ok {
			return &graph.ValidationError{NodeID: from, Reason: fmt.Sprintf("unknown predicate %q", c.Predicate)}
		}
		pred = p
	} else {
		if c.Fallback != "" {
			if _, ok := c.Routes[c.Fallback]; !ok {
				return &graph.ValidationError{NodeID: from, Field: c.On, Reason: fmt.Sprintf("fallback %q has no route", c.Fallback)}
			}
		}
		pred = graph.RouteOn(c.On, c.Fallback)
	}
	_ = b.AddConditionalEdge(from, keys, pred, mapping)
	return nil
}

// endpoint maps the start and end spellings of design documents to the
// reserved node ids.
func endpoint(id string) string {
	switch id {
	case "start", "START", graph.Start:
		return graph.Start
	case "end", "END", graph.End:
		return graph.End
	default:
		return id
	}
}
