package tool

import (
	"context"
	"sync"
)

// MockTool is a Tool for tests.
//
// It answers from a fixed list of responses, can fail on demand, and
// records every input it was called with. It is safe for concurrent use,
// so it can back nodes that run in the same superstep.
//
// Example usage:
//
//	search := &tool.MockTool{
//		ToolName: "candidate_search",
//		Responses: []map[string]interface{}{
//			{"candidates": []string{"ada", "grace"}},
//		},
//	}
//	out, err := search.Call(ctx, map[string]interface{}{"query": "go developer"})
//	// out["candidates"] == []string{"ada", "grace"}; search.CallCount() == 1
//
// Example with error injection:
//
//	broken := &tool.MockTool{ToolName: "stripe_create_invoice", Err: errors.New("card declined")}
//	_, err := broken.Call(ctx, nil)
//	// err is the configured error and the input is still recorded
type MockTool struct {
	// ToolName is returned by Name.
	ToolName string

	// Responses are returned in call order. Once exhausted the last one
	// repeats; with none configured Call returns an empty map.
	Responses []map[string]interface{}

	// Err, when set, is returned by every call instead of a response.
	Err error

	mu    sync.Mutex
	calls []map[string]interface{}
}

// Name implements Tool.
func (m *MockTool) Name() string {
	return m.ToolName
}

// Call implements Tool.
func (m *MockTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, input)
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return map[string]interface{}{}, nil
	}
	i := len(m.calls) - 1
	if i >= len(m.Responses) {
		i = len(m.Responses) - 1
	}
	return m.Responses[i], nil
}

// Calls returns the recorded inputs.
func (m *MockTool) Calls() []map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]interface{}, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times Call ran.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
