package tool

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnresolved is returned when a declared tool name matches no
	// capability.
	ErrUnresolved = errors.New("unresolved capability")

	// ErrDuplicate is returned when a capability name or alias is
	// registered twice.
	ErrDuplicate = errors.New("duplicate capability")
)

// Status says whether a capability can do real work.
type Status string

const (
	// StatusConfigured means the integration's credential is present.
	StatusConfigured Status = "configured"

	// StatusNeedsKey means a real integration exists but its credential
	// is missing.
	StatusNeedsKey Status = "needs_key"

	// StatusStub means no real integration exists yet.
	StatusStub Status = "stub"
)

// Integration describes the external service behind a capability.
type Integration struct {
	Name   string `json:"name" yaml:"name"`
	EnvVar string `json:"env_var" yaml:"env_var"`
	Docs   string `json:"docs,omitempty" yaml:"docs,omitempty"`
}

// Capability is one canonical entry of the registry.
type Capability struct {
	Name    string
	Tool    Tool
	Aliases []string

	// Integration is nil for capabilities that are only stubbed.
	Integration *Integration
}

// DedupPolicy decides what happens when several declared names of one
// node resolve to the same capability.
type DedupPolicy int

const (
	// DedupByCapability binds each capability once, under the first
	// declared name that resolved to it.
	DedupByCapability DedupPolicy = iota

	// BindAll binds every declared name, even when several share a
	// capability.
	BindAll
)

func (p DedupPolicy) String() string {
	if p == BindAll {
		return "bind_all"
	}
	return "dedup_by_capability"
}

// ParseDedupPolicy accepts the names returned by String.
func ParseDedupPolicy(s string) (DedupPolicy, error) {
	switch s {
	case "", "dedup_by_capability", "dedup":
		return DedupByCapability, nil
	case "bind_all", "all":
		return BindAll, nil
	default:
		return 0, fmt.Errorf("unknown dedup policy %q", s)
	}
}

// Binding is a declared tool name bound to a capability.
type Binding struct {
	Declared   string `json:"declared"`
	Capability string `json:"capability"`
	Status     Status `json:"status"`
	Tool       Tool   `json:"-"`
}

// Registry maps canonical capability names to tools. It is assembled once
// at startup and read concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	caps      map[string]Capability
	aliases   map[string]string
	patterns  []pattern
	lookupEnv func(string) (string, bool)
}

type pattern struct {
	match      string
	capability string
}

// NewRegistry creates an empty registry that reads credentials from the
// process environment.
func NewRegistry() *Registry {
	return &Registry{
		caps:      make(map[string]Capability),
		aliases:   make(map[string]string),
		lookupEnv: os.LookupEnv,
	}
}

// WithEnv replaces the environment lookup. Intended for tests.
func (r *Registry) WithEnv(lookup func(string) (string, bool)) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookupEnv = lookup
	return r
}

// Register adds a capability. Names and aliases are normalised and must be
// unique across the registry.
func (r *Registry) Register(c Capability) error {
	name := Normalize(c.Name)
	if c.Name == "" || c.Tool == nil {
		return fmt.Errorf("register capability %q: name and tool are required", c.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.taken(name) {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	aliases := make([]string, 0, len(c.Aliases))
	for _, a := range c.Aliases {
		key := Normalize(a)
		if key == name || r.taken(key) || contains(aliases, key) {
			return fmt.Errorf("%w: alias %s of %s", ErrDuplicate, key, name)
		}
		aliases = append(aliases, key)
	}

	c.Name = name
	c.Aliases = aliases
	r.caps[name] = c
	for _, a := range aliases {
		r.aliases[a] = name
	}
	return nil
}

// AddPattern appends a substring rule: a normalised name containing match
// resolves to capability. Rules are tried in the order they were added,
// after exact names and aliases.
func (r *Registry) AddPattern(match, capability string) error {
	key := Normalize(capability)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.caps[key]; !ok {
		return fmt.Errorf("pattern %q: %w: %s", match, ErrUnresolved, key)
	}
	r.patterns = append(r.patterns, pattern{match: Normalize(match), capability: key})
	return nil
}

// Resolve maps a free-form name to its canonical capability name.
func (r *Registry) Resolve(raw string) (string, error) {
	key := Normalize(raw)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.caps[key]; ok {
		return key, nil
	}
	if name, ok := r.aliases[key]; ok {
		return name, nil
	}
	for _, p := range r.patterns {
		if strings.Contains(key, p.match) {
			return p.capability, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnresolved, raw)
}

// Capability returns a registered capability by canonical name.
func (r *Registry) Capability(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[Normalize(name)]
	return c, ok
}

// Names returns the canonical names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.caps))
	for name := range r.caps {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Status reports whether capability is backed by a configured integration.
func (r *Registry) Status(capability string) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.caps[Normalize(capability)]
	if !ok || c.Integration == nil {
		return StatusStub
	}
	if v, ok := r.lookupEnv(c.Integration.EnvVar); ok && strings.TrimSpace(v) != "" {
		return StatusConfigured
	}
	return StatusNeedsKey
}

// Bind resolves every declared name. All unresolved names are reported
// together in one error wrapping ErrUnresolved.
func (r *Registry) Bind(declared []string, policy DedupPolicy) ([]Binding, error) {
	var (
		out        []Binding
		unresolved []string
		bound      = make(map[string]bool)
	)
	for _, d := range declared {
		name, err := r.Resolve(d)
		if err != nil {
			unresolved = append(unresolved, d)
			continue
		}
		if policy == DedupByCapability && bound[name] {
			continue
		}
		bound[name] = true

		c, _ := r.Capability(name)
		out = append(out, Binding{
			Declared:   d,
			Capability: name,
			Status:     r.Status(name),
			Tool:       c.Tool,
		})
	}
	if len(unresolved) > 0 {
		return out, fmt.Errorf("%w: %s", ErrUnresolved, strings.Join(unresolved, ", "))
	}
	return out, nil
}

// NodeReport lists the bindings of one node.
type NodeReport struct {
	Node     string    `json:"node"`
	Bindings []Binding `json:"bindings"`
}

// Report binds the declared tools of every node and lists the
// integrations that still need a credential. nodes maps node id to
// declared tool names.
func (r *Registry) Report(nodes map[string][]string, policy DedupPolicy) ([]NodeReport, []Integration, error) {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		reports []NodeReport
		errs    []error
		missing []Integration
		seenEnv = make(map[string]bool)
	)
	for _, id := range ids {
		bindings, err := r.Bind(nodes[id], policy)
		if err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", id, err))
		}
		reports = append(reports, NodeReport{Node: id, Bindings: bindings})

		for _, b := range bindings {
			if b.Status != StatusNeedsKey {
				continue
			}
			c, _ := r.Capability(b.Capability)
			if seenEnv[c.Integration.EnvVar] {
				continue
			}
			seenEnv[c.Integration.EnvVar] = true
			missing = append(missing, *c.Integration)
		}
	}
	return reports, missing, errors.Join(errs...)
}

func (r *Registry) taken(key string) bool {
	_, isCap := r.caps[key]
	_, isAlias := r.aliases[key]
	return isCap || isAlias
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
