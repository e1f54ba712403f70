// Package design loads declarative graph designs.
//
// A design document lists the state fields, nodes and edges of a workflow
// in YAML or JSON. Node implementations, predicates and input parsers are
// named, never embedded: Compile looks every name up in a static
// graph.Registry and binds declared tools through a tool.Registry.
//
//	name: screening
//	termination_field: done
//	fields:
//	  - {name: candidate, merge: map-merge}
//	  - {name: notes, merge: append}
//	  - {name: done}
//	nodes:
//	  - {id: screen, impl: cv_screening, tools: ["ATS / CRM"]}
//	  - {id: call, kind: human, prompt: "Call notes?", inputs: [notes]}
//	edges:
//	  - {from: start, to: screen}
//	  - {from: screen, to: call}
package design

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Document is a graph design.
type Document struct {
	Name             string           `yaml:"name" json:"name" validate:"required"`
	Description      string           `yaml:"description,omitempty" json:"description,omitempty"`
	TerminationField string           `yaml:"termination_field,omitempty" json:"termination_field,omitempty"`
	Dedup            string           `yaml:"dedup,omitempty" json:"dedup,omitempty" validate:"omitempty,oneof=dedup_by_capability dedup bind_all all"`
	Fields           []FieldDoc       `yaml:"fields" json:"fields" validate:"required,min=1,dive"`
	Nodes            []NodeDoc        `yaml:"nodes" json:"nodes" validate:"required,min=1,dive"`
	Edges            []EdgeDoc        `yaml:"edges" json:"edges" validate:"dive"`
	Conditional      []ConditionalDoc `yaml:"conditional_edges,omitempty" json:"conditional_edges,omitempty" validate:"dive"`
	Decisions        []DecisionDoc    `yaml:"decision_edges,omitempty" json:"decision_edges,omitempty" validate:"dive"`
}

// FieldDoc declares a state field.
type FieldDoc struct {
	Name    string `yaml:"name" json:"name" validate:"required,field_name"`
	Merge   string `yaml:"merge,omitempty" json:"merge,omitempty" validate:"omitempty,oneof=replace last_wins map-merge map_merge merge append list"`
	Default any    `yaml:"default,omitempty" json:"default,omitempty"`
}

// NodeDoc declares a node. Computation nodes name an implementation;
// human nodes carry a prompt and input fields.
type NodeDoc struct {
	ID          string   `yaml:"id" json:"id" validate:"required,node_id"`
	Kind        string   `yaml:"kind,omitempty" json:"kind,omitempty" validate:"omitempty,oneof=computation agent human"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Impl        string   `yaml:"impl,omitempty" json:"impl,omitempty"`
	Prompt      string   `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Inputs      []string `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Parser      string   `yaml:"parser,omitempty" json:"parser,omitempty"`
	Outputs     []string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Decisions   []string `yaml:"decisions,omitempty" json:"decisions,omitempty"`
	Tools       []string `yaml:"tools,omitempty" json:"tools,omitempty"`
}

// Human reports whether the node waits for input.
func (n NodeDoc) Human() bool {
	return n.Kind == "human"
}

// EdgeDoc is an unconditional edge.
type EdgeDoc struct {
	From string `yaml:"from" json:"from" validate:"required"`
	To   string `yaml:"to" json:"to" validate:"required"`
}

// ConditionalDoc routes on a state field (On) or a registered predicate
// (Predicate). Routes maps every routing key to a target.
type ConditionalDoc struct {
	From      string            `yaml:"from" json:"from" validate:"required"`
	On        string            `yaml:"on,omitempty" json:"on,omitempty" validate:"required_without=Predicate,excluded_with=Predicate"`
	Predicate string            `yaml:"predicate,omitempty" json:"predicate,omitempty"`
	Fallback  string            `yaml:"fallback,omitempty" json:"fallback,omitempty"`
	Routes    map[string]string `yaml:"routes" json:"routes" validate:"required,min=1"`
}

// DecisionDoc routes on the decision a node returns.
type DecisionDoc struct {
	From   string            `yaml:"from" json:"from" validate:"required"`
	Routes map[string]string `yaml:"routes" json:"routes" validate:"required,min=1"`
}

var (
	validate = newValidator()
	nodeIDRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,100}$`)
	fieldRe  = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("node_id", func(fl validator.FieldLevel) bool {
		return nodeIDRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("field_name", func(fl validator.FieldLevel) bool {
		return fieldRe.MatchString(fl.Field().String())
	})
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// Parse decodes and validates a design. JSON is accepted as YAML.
func Parse(data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("design: document is empty")
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("design: decode: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Load reads a design from r.
func Load(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("design: read: %w", err)
	}
	return Parse(data)
}

// LoadFile reads a design from path.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("design: read %s: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Validate checks the document's shape. Graph-level checks such as
// dangling edges happen in Compile.
func (d *Document) Validate() error {
	err := validate.Struct(d)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("design: %w", err)
	}
	problems := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, &FieldError{Path: fe.Namespace(), Message: message(fe)})
	}
	return errors.Join(problems...)
}

// Marshal encodes the document as YAML.
func (d *Document) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}

// Capabilities maps node id to the tools the node declares.
func (d *Document) Capabilities() map[string][]string {
	out := make(map[string][]string)
	for _, n := range d.Nodes {
		if len(n.Tools) > 0 {
			out[n.ID] = append([]string(nil), n.Tools...)
		}
	}
	return out
}

// FieldError is one invalid value of a document.
type FieldError struct {
	Path    string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("design: %s: %s", e.Path, e.Message)
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field is required"
	case "required_without":
		return fmt.Sprintf("required when %s is not set", strings.ToLower(fe.Param()))
	case "excluded_with":
		return fmt.Sprintf("cannot be combined with %s", strings.ToLower(fe.Param()))
	case "min":
		return fmt.Sprintf("needs at least %s entries", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "node_id":
		return "must be a valid node identifier (alphanumeric, underscore, hyphen)"
	case "field_name":
		return "must be a valid field name (letters, digits, underscore)"
	default:
		return fmt.Sprintf("validation failed: %s", fe.Tag())
	}
}
