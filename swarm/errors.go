package swarm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrWorkflowNotFound is returned by Status and Stop for unknown IDs.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrWorkflowExists is returned by Submit when the workflow ID is already
// taken by a submission with a different idempotency key.
var ErrWorkflowExists = errors.New("workflow already exists with a different idempotency key")

// ErrIntegrityViolation indicates the audit chain failed verification
// during recovery. The workflow is marked FAILED and quarantined; it is
// never silently resumed.
var ErrIntegrityViolation = errors.New("audit chain integrity violation")

// ErrStoreUnavailable indicates the state store stayed unreachable beyond
// the configured retry ceiling. The scheduler exits leaving persisted state
// consistent for a later resume.
var ErrStoreUnavailable = errors.New("state store unavailable")

// ValidationKind classifies definition-time errors.
type ValidationKind string

const (
	DuplicateTaskID       ValidationKind = "DuplicateTaskId"
	UnknownDependency     ValidationKind = "UnknownDependency"
	CycleDetected         ValidationKind = "CycleDetected"
	MissingField          ValidationKind = "MissingField"
	InvalidRetryPolicy    ValidationKind = "InvalidRetryPolicy"
	InvalidClassification ValidationKind = "InvalidClassification"
)

// ValidationError reports a rejected workflow definition. No state is
// written for invalid definitions; the error is surfaced to the submitter.
type ValidationError struct {
	Kind ValidationKind

	// Path locates the offending field or task, e.g. "tasks[2].id".
	Path string

	// Cycle holds the back-edge path for CycleDetected, e.g. [a b c a].
	Cycle []string

	Detail string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Path != "" {
		b.WriteString(": " + e.Path)
	}
	if len(e.Cycle) > 0 {
		b.WriteString(": " + strings.Join(e.Cycle, " -> "))
	}
	if e.Detail != "" {
		b.WriteString(": " + e.Detail)
	}
	return b.String()
}

// GovernanceDenied wraps a gate denial reason into the task failure
// message recorded in the store and audit log.
func GovernanceDenied(reason string) string {
	return fmt.Sprintf("GovernanceDenied(%s)", reason)
}
