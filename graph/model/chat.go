// Package model connects language models to graph nodes.
//
// ChatModel is the provider boundary; the anthropic, openai and google
// subpackages implement it on the vendor SDKs. ChatNode wraps a ChatModel
// as a computation node that reads state fields, asks the model and
// writes the reply back as a delta.
package model

import "context"

// ChatModel is a chat completion provider.
//
// Implementations must respect ctx cancellation. They must not retry on
// their own unless the caller configured it; the engine never retries a
// failed node.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a tool the model may call. Schema is a JSON Schema
// object.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Schema      map[string]interface{} `json:"schema,omitempty"`
}

// ChatOut is a model reply.
type ChatOut struct {
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input,omitempty"`
}

// SplitSystem joins the system messages into one prompt and returns the
// remaining turns. Providers with a separate system parameter use it.
func SplitSystem(messages []Message) (string, []Message) {
	var (
		system string
		rest   []Message
	)
	for _, msg := range messages {
		if msg.Role != RoleSystem {
			rest = append(rest, msg)
			continue
		}
		if system != "" {
			system += "\n\n"
		}
		system += msg.Content
	}
	return system, rest
}
