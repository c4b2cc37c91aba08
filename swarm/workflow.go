// Package swarm provides the workflow orchestration kernel for SwarmLite.
//
// A Workflow is a directed acyclic graph of typed tasks. The kernel
// validates definitions, schedules tasks in dependency order under a
// bounded worker pool, retries transient failures, rolls back succeeded
// tasks through compensation handlers when the workflow fails, and
// persists every state transition under an HMAC-signed audit chain.
package swarm

import (
	"sort"
	"time"
)

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

// Workflow lifecycle states.
const (
	WorkflowPending WorkflowStatus = "PENDING"
	WorkflowRunning WorkflowStatus = "RUNNING"
	WorkflowSuccess WorkflowStatus = "SUCCESS"
	WorkflowFailed  WorkflowStatus = "FAILED"
	WorkflowStopped WorkflowStatus = "STOPPED"
)

// Terminal reports whether the status is an end state. Terminal workflows
// are never scheduled again; their rows are retained until administrative
// purge.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowSuccess || s == WorkflowFailed || s == WorkflowStopped
}

// TaskStatus is the lifecycle state of a single task.
type TaskStatus string

// Task lifecycle states.
//
// Tasks are created PENDING, promoted to READY once every dependency is
// SUCCESS, moved RUNNING on dispatch, and finish SUCCESS or FAILED.
// ROLLBACK is reached only through the compensation engine. SKIPPED marks
// transitive descendants of a FAILED task; they are never dispatched.
const (
	TaskPending  TaskStatus = "PENDING"
	TaskReady    TaskStatus = "READY"
	TaskRunning  TaskStatus = "RUNNING"
	TaskSuccess  TaskStatus = "SUCCESS"
	TaskFailed   TaskStatus = "FAILED"
	TaskRollback TaskStatus = "ROLLBACK"
	TaskSkipped  TaskStatus = "SKIPPED"
)

// Terminal reports whether the task will see no further transitions from
// the scheduler (compensation may still move SUCCESS to ROLLBACK).
func (s TaskStatus) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed || s == TaskRollback || s == TaskSkipped
}

// DataClassification tags the sensitivity of the data a task touches.
// Tasks classified pii or phi must pass the governance gate before they
// run, and their persisted fields are encrypted at rest.
type DataClassification string

const (
	ClassificationPublic DataClassification = "public"
	ClassificationPII    DataClassification = "pii"
	ClassificationPHI    DataClassification = "phi"
)

// Sensitive reports whether rows derived from this classification must be
// encrypted at rest.
func (c DataClassification) Sensitive() bool {
	return c == ClassificationPII || c == ClassificationPHI
}

// Task is a single node in the workflow DAG.
type Task struct {
	// ID is unique within the workflow.
	ID string `yaml:"id" json:"id"`

	// Type selects a handler family (e.g. "http", "fn", "db", "llm").
	Type string `yaml:"type" json:"type"`

	// DependsOn lists sibling task IDs that must be SUCCESS before this
	// task becomes READY.
	DependsOn []string `yaml:"depends_on" json:"depends_on,omitempty"`

	// Config is opaque to the kernel and passed through to the handler.
	// By convention it may carry "function" (handler name within the
	// type family) and "params".
	Config map[string]any `yaml:"config" json:"config,omitempty"`

	// Classification defaults to public.
	Classification DataClassification `yaml:"data_classification" json:"data_classification"`

	// Timeout bounds a single attempt's wall clock. Zero means no limit.
	// Expiry is treated as a transient failure, subject to retry policy.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`

	Status     TaskStatus `yaml:"-" json:"status"`
	Attempt    int        `yaml:"-" json:"attempt"`
	LastError  string     `yaml:"-" json:"last_error,omitempty"`
	StartedAt  time.Time  `yaml:"-" json:"started_at,omitzero"`
	FinishedAt time.Time  `yaml:"-" json:"finished_at,omitzero"`
}

// Workflow is a validated DAG of tasks plus the policies that govern its
// execution. Instances are produced by Parse and owned by the scheduler;
// callers observe progress through Snapshot.
type Workflow struct {
	ID string `yaml:"workflow_id" json:"workflow_id"`

	// Tasks is keyed by task ID. Insertion order is irrelevant; the
	// scheduler orders by dependency edges and breaks ties by ID.
	Tasks map[string]*Task `yaml:"-" json:"tasks"`

	RetryPolicy RetryPolicy `yaml:"retry_policy" json:"retry_policy"`

	// CompensationHandlers maps task ID to the name of a registered
	// compensator run during rollback. Optional per task.
	CompensationHandlers map[string]string `yaml:"compensation_handlers" json:"compensation_handlers,omitempty"`

	// IdempotencyKey deduplicates submissions: two starts with the same
	// (workflow_id, idempotency_key) are the same workflow.
	IdempotencyKey string `yaml:"-" json:"idempotency_key,omitempty"`

	Status    WorkflowStatus `yaml:"-" json:"status"`
	CreatedAt time.Time      `yaml:"-" json:"created_at"`
	UpdatedAt time.Time      `yaml:"-" json:"updated_at"`
}

// Sensitive reports whether any task in the workflow carries a non-public
// classification, which requires DB_ENCRYPTION_KEY to be configured.
func (w *Workflow) Sensitive() bool {
	for _, t := range w.Tasks {
		if t.Classification.Sensitive() {
			return true
		}
	}
	return false
}

// TaskIDs returns the task IDs in lexical order. Used wherever the kernel
// needs a deterministic iteration order over the task map.
func (w *Workflow) TaskIDs() []string {
	ids := make([]string, 0, len(w.Tasks))
	for id := range w.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TaskSnapshot is the observable state of one task.
type TaskSnapshot struct {
	ID         string     `json:"task_id"`
	Type       string     `json:"type"`
	Status     TaskStatus `json:"status"`
	Attempt    int        `json:"attempt"`
	LastError  string     `json:"last_error,omitempty"`
	StartedAt  time.Time  `json:"started_at,omitzero"`
	FinishedAt time.Time  `json:"finished_at,omitzero"`
}

// Snapshot is the observable state of a workflow, returned by
// Kernel.Status. It is a point-in-time copy; mutating it has no effect on
// the running workflow.
type Snapshot struct {
	WorkflowID string         `json:"workflow_id"`
	Status     WorkflowStatus `json:"status"`
	Tasks      []TaskSnapshot `json:"tasks"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func snapshotOf(w *Workflow) Snapshot {
	snap := Snapshot{
		WorkflowID: w.ID,
		Status:     w.Status,
		CreatedAt:  w.CreatedAt,
		UpdatedAt:  w.UpdatedAt,
	}
	for _, id := range w.TaskIDs() {
		t := w.Tasks[id]
		snap.Tasks = append(snap.Tasks, TaskSnapshot{
			ID:         t.ID,
			Type:       t.Type,
			Status:     t.Status,
			Attempt:    t.Attempt,
			LastError:  t.LastError,
			StartedAt:  t.StartedAt,
			FinishedAt: t.FinishedAt,
		})
	}
	return snap
}
