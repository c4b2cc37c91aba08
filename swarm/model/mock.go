package model

import (
	"context"
	"sync"
)

// MockChat is a scripted ChatModel for tests. Each call pops the next
// scripted response; when the script runs out the last entry repeats.
type MockChat struct {
	mu     sync.Mutex
	script []MockTurn
	calls  int
}

// MockTurn is one scripted response.
type MockTurn struct {
	Text string
	Err  error
}

// NewMockChat creates a mock with the given script. An empty script
// answers every call with an empty completion.
func NewMockChat(script ...MockTurn) *MockChat {
	return &MockChat{script: script}
}

func (m *MockChat) Name() string  { return "mock" }
func (m *MockChat) Model() string { return "mock-1" }

// Calls returns how many times Chat was invoked.
func (m *MockChat) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockChat) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return ChatOut{}, err
	}

	m.mu.Lock()
	idx := m.calls
	m.calls++
	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}
	m.mu.Unlock()

	if idx < 0 {
		return ChatOut{Model: m.Model()}, nil
	}
	turn := m.script[idx]
	if turn.Err != nil {
		return ChatOut{}, turn.Err
	}
	return ChatOut{Text: turn.Text, Model: m.Model(), TokensUsed: len(turn.Text) / 4}, nil
}
