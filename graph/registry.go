package graph

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is a static table of named node implementations and
// predicates. Declarative graph designs refer to implementations by name
// and are compiled against a registry; names are never loaded
// dynamically.
type Registry struct {
	mu         sync.RWMutex
	nodes      map[string]Node
	predicates map[string]Predicate
	parsers    map[string]InputParser
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		nodes:      make(map[string]Node),
		predicates: make(map[string]Predicate),
		parsers:    make(map[string]InputParser),
	}
}

// Register adds a node implementation. Names are unique.
func (r *Registry) Register(name string, node Node) error {
	if name == "" || node == nil {
		return fmt.Errorf("register node: name and implementation are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.nodes[name]; dup {
		return fmt.Errorf("register node: %q already registered", name)
	}
	r.nodes[name] = node
	return nil
}

// RegisterFunc is Register for a plain function.
func (r *Registry) RegisterFunc(name string, fn NodeFunc) error {
	if fn == nil {
		return fmt.Errorf("register node: name and implementation are required")
	}
	return r.Register(name, fn)
}

// RegisterPredicate adds a named routing predicate.
func (r *Registry) RegisterPredicate(name string, p Predicate) error {
	if name == "" || p == nil {
		return fmt.Errorf("register predicate: name and implementation are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.predicates[name]; dup {
		return fmt.Errorf("register predicate: %q already registered", name)
	}
	r.predicates[name] = p
	return nil
}

// RegisterParser adds a named human input parser.
func (r *Registry) RegisterParser(name string, p InputParser) error {
	if name == "" || p == nil {
		return fmt.Errorf("register parser: name and implementation are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.parsers[name]; dup {
		return fmt.Errorf("register parser: %q already registered", name)
	}
	r.parsers[name] = p
	return nil
}

// Node looks up a node implementation.
func (r *Registry) Node(name string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[name]
	return n, ok
}

// Predicate looks up a routing predicate.
func (r *Registry) Predicate(name string) (Predicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.predicates[name]
	return p, ok
}

// Parser looks up a human input parser.
func (r *Registry) Parser(name string) (InputParser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[name]
	return p, ok
}

// Names returns the registered node names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.nodes))
	for name := range r.nodes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
