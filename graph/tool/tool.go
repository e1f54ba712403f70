// Package tool binds external capabilities to graph nodes.
//
// Node designs name the tools they need in free-form text ("ATS / CRM",
// "Calendly"). A Registry normalises those names, resolves them to
// canonical capabilities through exact names, aliases and an ordered
// pattern table, and reports which capabilities are backed by a
// configured integration. A name that resolves to nothing is an error.
package tool

import "context"

// Tool is an executable capability.
type Tool interface {
	// Name returns the canonical capability name the tool serves.
	Name() string

	// Call runs the tool. Input and output are JSON-compatible maps.
	Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// Func adapts a function to Tool.
type Func struct {
	ToolName string
	Fn       func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// Name implements Tool.
func (f Func) Name() string {
	return f.ToolName
}

// Call implements Tool.
func (f Func) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	return f.Fn(ctx, input)
}
