// Package emit provides pluggable observability emitters for the kernel.
//
// The audit log is the durable record; emitters are the ephemeral side:
// structured logs, traces, dashboards. Implementations must be safe for
// concurrent use, must not block the scheduler, and must not panic.
// Observability failures never fail a workflow.
package emit

import "time"

// Event is one observability event from a workflow execution.
type Event struct {
	// RunID identifies one scheduler execution of a workflow. A resumed
	// workflow gets a fresh run ID; the workflow ID stays stable.
	RunID string `json:"run_id"`

	WorkflowID string `json:"workflow_id"`

	// TaskID is empty for workflow-level events.
	TaskID string `json:"task_id,omitempty"`

	// Name is the event name, mirroring the audit event vocabulary
	// (e.g. "TASK_TRANSITION", "WORKFLOW_TERMINAL").
	Name string `json:"name"`

	// From and To carry the state transition for TASK_TRANSITION and
	// WORKFLOW_TERMINAL events.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	Msg  string    `json:"msg,omitempty"`
	Time time.Time `json:"time"`

	// Meta carries event-specific fields: "attempt", "duration_ms",
	// "error", "reason".
	Meta map[string]any `json:"meta,omitempty"`
}

// Emitter receives events from the kernel.
type Emitter interface {
	// Emit must not block and must not panic. Backends that can stall
	// should buffer or drop.
	Emit(event Event)
}
