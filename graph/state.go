package graph

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// MergePolicy decides how a delta value combines with the current value of
// a state field.
type MergePolicy int

const (
	// Replace overwrites the field with the delta value.
	Replace MergePolicy = iota

	// MapMerge shallow-merges a map delta into the field; delta keys win.
	MapMerge

	// Append concatenates a list delta onto the field.
	Append
)

func (p MergePolicy) String() string {
	switch p {
	case Replace:
		return "replace"
	case MapMerge:
		return "map-merge"
	case Append:
		return "append"
	default:
		return fmt.Sprintf("MergePolicy(%d)", int(p))
	}
}

// ParseMergePolicy maps the textual policy names used by design documents.
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch s {
	case "", "replace", "last_wins":
		return Replace, nil
	case "map-merge", "map_merge", "merge":
		return MapMerge, nil
	case "append", "list":
		return Append, nil
	default:
		return 0, fmt.Errorf("unknown merge policy %q", s)
	}
}

// Field declares one named state field.
type Field struct {
	Name    string
	Policy  MergePolicy
	Default any
}

// Schema is the fixed set of fields a graph's state may hold.
type Schema struct {
	fields map[string]Field
	order  []string
}

// NewSchema builds a schema. Field names must be unique and non-empty, and
// a default must fit the field's merge policy.
func NewSchema(fields ...Field) (*Schema, error) {
	s := &Schema{fields: make(map[string]Field, len(fields))}
	for _, f := range fields {
		if f.Name == "" {
			return nil, &ValidationError{Reason: "schema field name is empty"}
		}
		if _, dup := s.fields[f.Name]; dup {
			return nil, &ValidationError{Field: f.Name, Reason: "duplicate schema field"}
		}
		if f.Policy < Replace || f.Policy > Append {
			return nil, &ValidationError{Field: f.Name, Reason: "unknown merge policy " + f.Policy.String()}
		}
		if f.Default != nil {
			def, err := normalize(f, f.Default)
			if err != nil {
				return nil, err
			}
			if _, err := merge(f, nil, def); err != nil {
				return nil, err
			}
			f.Default = def
		}
		s.fields[f.Name] = f
		s.order = append(s.order, f.Name)
	}
	return s, nil
}

// MustSchema is NewSchema that panics on error. Use it for package level
// schema variables.
func MustSchema(fields ...Field) *Schema {
	s, err := NewSchema(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Field returns the declaration of name.
func (s *Schema) Field(name string) (Field, bool) {
	f, ok := s.fields[name]
	return f, ok
}

// Has reports whether name is declared.
func (s *Schema) Has(name string) bool {
	_, ok := s.fields[name]
	return ok
}

// Fields returns the declarations in declaration order.
func (s *Schema) Fields() []Field {
	out := make([]Field, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.fields[name])
	}
	return out
}

// Delta is a partial state update produced by one node.
type Delta map[string]any

// Keys returns the delta's field names sorted.
func (d Delta) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// State is a read-only view of a thread's state. Accessors return copies,
// so a State handed to a node can never be changed by that node.
type State struct {
	values map[string]any
}

// NewState wraps values without schema checks. Intended for tests of
// predicates and nodes.
func NewState(values map[string]any) State {
	return State{values: cloneMap(values)}
}

// Get returns a copy of the field value, or nil when unset.
func (s State) Get(name string) any {
	return cloneValue(s.values[name])
}

// Lookup is Get with a presence flag.
func (s State) Lookup(name string) (any, bool) {
	v, ok := s.values[name]
	return cloneValue(v), ok
}

// String returns the field as a string, or "" when it is not one.
func (s State) String(name string) string {
	v, _ := s.values[name].(string)
	return v
}

// Bool returns the field as a bool, or false when it is not one.
func (s State) Bool(name string) bool {
	v, _ := s.values[name].(bool)
	return v
}

// Map returns a copy of a map field, or nil.
func (s State) Map(name string) map[string]any {
	m, _ := toMap(s.values[name])
	return cloneMap(m)
}

// List returns a copy of a list field, or nil.
func (s State) List(name string) []any {
	l, _ := toList(s.values[name])
	return cloneList(l)
}

// IsSet reports whether the field holds a truthy value: a true bool, a
// non-empty string, list or map, or any other non-nil value.
func (s State) IsSet(name string) bool {
	return truthy(s.values[name])
}

// Values returns a deep copy of every field.
func (s State) Values() map[string]any {
	return cloneMap(s.values)
}

// Len returns the number of fields holding a value.
func (s State) Len() int {
	return len(s.values)
}

// MarshalJSON encodes the state as a JSON object.
func (s State) MarshalJSON() ([]byte, error) {
	if s.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.values)
}

// Container owns the mutable state of one execution. It is not safe for
// concurrent use; the engine only touches it between supersteps.
type Container struct {
	schema *Schema
	values map[string]any
}

// NewContainer starts from the schema defaults and applies initial on top
// with the regular merge policies. Unknown fields are rejected.
func NewContainer(schema *Schema, initial map[string]any) (*Container, error) {
	c := &Container{schema: schema, values: make(map[string]any)}
	for _, f := range schema.Fields() {
		if f.Default != nil {
			c.values[f.Name] = cloneValue(f.Default)
		}
	}
	if len(initial) > 0 {
		if _, err := c.Apply(Delta(initial)); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// restoreContainer rebuilds a container from persisted values as-is.
func restoreContainer(schema *Schema, values map[string]any) (*Container, error) {
	for name := range values {
		if !schema.Has(name) {
			return nil, &ValidationError{Field: name, Reason: "persisted state holds a field the schema does not declare"}
		}
	}
	return &Container{schema: schema, values: cloneMap(values)}, nil
}

// Apply merges delta into the state. Every key is checked before anything
// changes, so a rejected delta leaves the state untouched.
func (c *Container) Apply(delta Delta) (State, error) {
	keys := delta.Keys()
	for _, k := range keys {
		if !c.schema.Has(k) {
			return State{}, &ValidationError{Field: k, Reason: "field is not declared in the schema"}
		}
	}

	next := make(map[string]any, len(c.values)+len(keys))
	for k, v := range c.values {
		next[k] = v
	}
	for _, k := range keys {
		f, _ := c.schema.Field(k)
		v, err := normalize(f, delta[k])
		if err != nil {
			return State{}, err
		}
		merged, err := merge(f, next[k], v)
		if err != nil {
			return State{}, err
		}
		if merged == nil {
			delete(next, k)
			continue
		}
		next[k] = merged
	}

	c.values = next
	return State{values: c.values}, nil
}

// Snapshot returns a read-only view of the current state. Apply never
// mutates values reachable from an earlier snapshot.
func (c *Container) Snapshot() State {
	return State{values: c.values}
}

// reset puts name back to its schema default, or removes it when the
// field has none.
func (c *Container) reset(name string) {
	f, ok := c.schema.Field(name)
	if !ok {
		return
	}
	next := make(map[string]any, len(c.values))
	for k, v := range c.values {
		next[k] = v
	}
	if f.Default != nil {
		next[name] = cloneValue(f.Default)
	} else {
		delete(next, name)
	}
	c.values = next
}

// Clone returns an independent container with the same state.
func (c *Container) Clone() *Container {
	next := make(map[string]any, len(c.values))
	for k, v := range c.values {
		next[k] = v
	}
	return &Container{schema: c.schema, values: next}
}

// normalize converts v to the shape it has after a checkpoint round trip:
// numbers become float64, slices []any, maps and structs map[string]any.
// A live thread and a reloaded one then see the same Go types.
func normalize(f Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &ValidationError{Field: f.Name, Reason: fmt.Sprintf("value of type %T cannot be stored: %v", v, err)}
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &ValidationError{Field: f.Name, Reason: fmt.Sprintf("value of type %T cannot be stored: %v", v, err)}
	}
	return out, nil
}

// merge combines one field. Values stored in the result never alias the
// caller's delta.
func merge(f Field, current, update any) (any, error) {
	switch f.Policy {
	case MapMerge:
		m, ok := toMap(update)
		if !ok {
			return nil, &ValidationError{Field: f.Name, Reason: fmt.Sprintf("map-merge field needs a map, got %T", update)}
		}
		if m == nil {
			return current, nil
		}
		base, _ := toMap(current)
		out := make(map[string]any, len(base)+len(m))
		for k, v := range base {
			out[k] = v
		}
		for k, v := range m {
			out[k] = cloneValue(v)
		}
		return out, nil

	case Append:
		l, ok := toList(update)
		if !ok {
			return nil, &ValidationError{Field: f.Name, Reason: fmt.Sprintf("append field needs a list, got %T", update)}
		}
		if l == nil {
			return current, nil
		}
		base, _ := toList(current)
		out := make([]any, 0, len(base)+len(l))
		out = append(out, base...)
		for _, v := range l {
			out = append(out, cloneValue(v))
		}
		return out, nil

	default:
		return cloneValue(update), nil
	}
}

// toMap accepts any map keyed by strings. ok is false for other kinds;
// a nil input returns (nil, true).
func toMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case nil:
		return nil, true
	case map[string]any:
		return m, true
	case Delta:
		return map[string]any(m), true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

// toList accepts any slice or array. A nil input returns (nil, true).
func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case nil:
		return nil, true
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		return cloneList(t)
	case []string:
		return append([]string(nil), t...)
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	default:
		return v
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneList(l []any) []any {
	if l == nil {
		return nil
	}
	out := make([]any, len(l))
	for i, v := range l {
		out[i] = cloneValue(v)
	}
	return out
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}
