package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dshills/durable-graph/graph"
	"github.com/dshills/durable-graph/graph/tool"
)

// ChatNode is a computation node backed by a ChatModel.
//
// The user turn is a JSON object of the Inputs fields taken from the
// snapshot. The reply text is written to Output. When the model calls
// tools, each call runs once and the outputs are written to ToolResults
// keyed by tool name, so ToolResults should be a map-merge field.
type ChatNode struct {
	Model  ChatModel
	System string
	Inputs []string
	Output string

	Tools       []tool.Tool
	ToolResults string
}

var errNoModel = errors.New("chat node has no model")

// Run implements graph.Node.
func (n *ChatNode) Run(ctx context.Context, state graph.State) graph.NodeResult {
	if n.Model == nil {
		return graph.Fail(errNoModel)
	}

	messages, err := n.messages(state)
	if err != nil {
		return graph.Fail(err)
	}

	out, err := n.Model.Chat(ctx, messages, n.specs())
	if err != nil {
		return graph.Fail(fmt.Errorf("chat: %w", err))
	}

	delta := graph.Delta{}
	if n.Output != "" {
		delta[n.Output] = out.Text
	}
	if len(out.ToolCalls) == 0 {
		return graph.Update(delta)
	}

	results, err := n.callTools(ctx, out.ToolCalls)
	if err != nil {
		return graph.Fail(err)
	}
	if n.ToolResults != "" {
		delta[n.ToolResults] = results
	}
	return graph.Update(delta)
}

func (n *ChatNode) messages(state graph.State) ([]Message, error) {
	input := make(map[string]any, len(n.Inputs))
	for _, f := range n.Inputs {
		if v, ok := state.Lookup(f); ok {
			input[f] = v
		}
	}
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode inputs: %w", err)
	}

	var messages []Message
	if n.System != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: n.System})
	}
	return append(messages, Message{Role: RoleUser, Content: string(body)}), nil
}

func (n *ChatNode) specs() []ToolSpec {
	if len(n.Tools) == 0 {
		return nil
	}
	specs := make([]ToolSpec, 0, len(n.Tools))
	for _, t := range n.Tools {
		specs = append(specs, ToolSpec{
			Name:   t.Name(),
			Schema: map[string]interface{}{"type": "object"},
		})
	}
	return specs
}

func (n *ChatNode) callTools(ctx context.Context, calls []ToolCall) (map[string]any, error) {
	byName := make(map[string]tool.Tool, len(n.Tools))
	for _, t := range n.Tools {
		byName[t.Name()] = t
	}

	results := make(map[string]any, len(calls))
	for _, call := range calls {
		t, ok := byName[call.Name]
		if !ok {
			return nil, fmt.Errorf("model called unknown tool %q", call.Name)
		}
		out, err := t.Call(ctx, call.Input)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", call.Name, err)
		}
		results[call.Name] = out
	}
	return results, nil
}
