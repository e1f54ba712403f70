package tool

import "context"

// StubTool stands in for a capability that has no real integration yet. It
// never fails and reports that nothing was done.
type StubTool struct {
	ToolName string
}

// NewStub returns a stub for capability.
func NewStub(capability string) *StubTool {
	return &StubTool{ToolName: Normalize(capability)}
}

// Name implements Tool.
func (s *StubTool) Name() string {
	return s.ToolName
}

// Call implements Tool.
func (s *StubTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"ok":         false,
		"stub":       true,
		"capability": s.ToolName,
		"message":    s.ToolName + " is not implemented",
	}, nil
}
