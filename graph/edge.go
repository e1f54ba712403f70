package graph

import (
	"fmt"
	"sort"
)

// Reserved node ids marking where execution enters and leaves a graph.
const (
	Start = "__start__"
	End   = "__end__"
)

// Predicate inspects the merged state after a superstep and returns a
// routing key. The key must be one of the keys declared with the edge.
type Predicate func(state State) string

// RouteOn returns a predicate that routes on the text value of field,
// falling back to fallback when the field is empty.
func RouteOn(field, fallback string) Predicate {
	return func(state State) string {
		if v := state.String(field); v != "" {
			return v
		}
		return fallback
	}
}

type staticEdge struct {
	from, to string
}

type conditionalEdge struct {
	from      string
	keys      []string
	predicate Predicate
	mapping   map[string]string
}

type decisionEdge struct {
	from    string
	mapping map[Decision]string
}

// route holds every outgoing edge of one node in a compiled graph.
type route struct {
	static      []string
	conditional []conditionalEdge
	decision    *decisionEdge
}

// next evaluates the outgoing edges of node against the merged state.
func (g *Graph) next(nodeID string, state State, decision Decision) ([]string, error) {
	if g.terminationField != "" && state.IsSet(g.terminationField) {
		return []string{End}, nil
	}

	r := g.routes[nodeID]
	targets := append([]string(nil), r.static...)

	for _, ce := range r.conditional {
		key := ce.predicate(state)
		if !contains(ce.keys, key) {
			return nil, fmt.Errorf("predicate returned undeclared key %q (declared %v)", key, ce.keys)
		}
		targets = append(targets, ce.mapping[key])
	}

	if r.decision != nil {
		if decision == "" {
			return nil, fmt.Errorf("node returned no routing decision")
		}
		to, ok := r.decision.mapping[decision]
		if !ok {
			return nil, fmt.Errorf("node returned undeclared decision %q", decision)
		}
		targets = append(targets, to)
	} else if decision != "" {
		spec := g.nodes[nodeID]
		if !containsDecision(spec.Decisions, decision) {
			return nil, fmt.Errorf("node returned undeclared decision %q", decision)
		}
	}

	if len(targets) == 0 {
		return []string{End}, nil
	}
	return targets, nil
}

// frontierOf dedupes targets, drops End and sorts the rest.
func frontierOf(targets map[string]struct{}) []string {
	out := make([]string, 0, len(targets))
	for id := range targets {
		if id != End {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsDecision(list []Decision, d Decision) bool {
	for _, v := range list {
		if v == d {
			return true
		}
	}
	return false
}
