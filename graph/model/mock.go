package model

import (
	"context"
	"sync"
)

// MockChatModel is a ChatModel for tests.
//
// It replays scripted responses instead of calling a provider and keeps
// the messages and tool specs of every call for later assertions. It is
// safe for concurrent use.
//
// Example usage:
//
//	chat := &model.MockChatModel{
//		Responses: []model.ChatOut{
//			{Text: "Draft advert"},
//			{Text: "Final advert"},
//		},
//	}
//	node := &model.ChatNode{Model: chat, Output: "job_ad"}
//	// First run writes "Draft advert", every later run "Final advert".
//
// Example with a tool call:
//
//	chat := &model.MockChatModel{
//		Responses: []model.ChatOut{{ToolCalls: []model.ToolCall{{Name: "search", Input: map[string]interface{}{"q": "golang"}}}}},
//	}
//
// Example with error injection:
//
//	chat := &model.MockChatModel{Err: errors.New("rate limited")}
//	_, err := chat.Chat(ctx, messages, nil)
//	// err is the configured error
type MockChatModel struct {
	// Responses are returned in call order, the last one repeating.
	Responses []ChatOut

	// Err, when set, is returned by every call.
	Err error

	mu    sync.Mutex
	calls []MockChatCall
}

// MockChatCall records one Chat invocation.
type MockChatCall struct {
	Messages []Message
	Tools    []ToolSpec
}

// Chat implements ChatModel.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, MockChatCall{Messages: messages, Tools: tools})
	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}
	idx := len(m.calls) - 1
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return m.Responses[idx], nil
}

// Calls returns the recorded invocations.
func (m *MockChatModel) Calls() []MockChatCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockChatCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times Chat ran.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
