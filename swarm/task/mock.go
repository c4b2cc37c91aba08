package task

import (
	"context"
	"sync"
)

// Outcome is one scripted attempt result for a MockHandler.
type Outcome struct {
	Output map[string]any
	Err    error
}

// MockHandler replays scripted outcomes per task, attempt by attempt.
// When a task's script runs out the last outcome repeats, so a single
// entry means "always do this". Also records compensation calls.
type MockHandler struct {
	mu       sync.Mutex
	scripts  map[string][]Outcome
	executed map[string]int
	undone   []string
}

// NewMockHandler creates an empty mock.
func NewMockHandler() *MockHandler {
	return &MockHandler{
		scripts:  make(map[string][]Outcome),
		executed: make(map[string]int),
	}
}

// Script sets the outcomes for a task ID.
func (m *MockHandler) Script(taskID string, outcomes ...Outcome) *MockHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[taskID] = outcomes
	return m
}

// Execute implements Handler. Tasks with no script succeed with an
// empty output.
func (m *MockHandler) Execute(ctx context.Context, inv Invocation) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, TransientErr(err)
	}

	m.mu.Lock()
	idx := m.executed[inv.TaskID]
	m.executed[inv.TaskID]++
	script := m.scripts[inv.TaskID]
	m.mu.Unlock()

	if len(script) == 0 {
		return map[string]any{}, nil
	}
	if idx >= len(script) {
		idx = len(script) - 1
	}
	out := script[idx]
	return out.Output, out.Err
}

// Compensate implements Compensator, recording the undone task.
func (m *MockHandler) Compensate(ctx context.Context, inv Invocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undone = append(m.undone, inv.TaskID)
	return nil
}

// Executions returns how many times a task was executed.
func (m *MockHandler) Executions(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executed[taskID]
}

// Undone returns the task IDs compensated, in call order.
func (m *MockHandler) Undone() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.undone))
	copy(out, m.undone)
	return out
}
