// Package store provides durable persistence for workflow and task state.
//
// Rows are signed with HMAC-SHA256 under the audit secret before they are
// written, and the signature is checked again on every read. Fields
// derived from pii/phi-classified tasks are encrypted at rest with
// AES-256-GCM. The scheduler mutates task rows only through CASTaskStatus,
// which makes concurrent schedulers for one workflow safe: the loser of a
// compare-and-set re-reads and re-evaluates.
package store

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/swarmlite/swarmlite/swarm/audit"
)

// ErrNotFound is returned when a workflow or task row does not exist.
var ErrNotFound = errors.New("not found")

// ErrSignatureMismatch is returned when a stored row fails HMAC
// verification on read. Treated as tampering; never silently ignored.
var ErrSignatureMismatch = errors.New("row signature mismatch")

// WorkflowRow is the persisted form of a workflow. Definition holds the
// JSON-serialized Workflow used for rehydration; it is encrypted at rest
// when Sensitive is set.
type WorkflowRow struct {
	WorkflowID     string
	Definition     []byte
	Status         string
	IdempotencyKey string
	Sensitive      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Signature      string
}

// TaskRow is the persisted form of one task's execution state. LastError
// is encrypted at rest when the task's classification is pii or phi.
type TaskRow struct {
	WorkflowID     string
	TaskID         string
	Status         string
	Attempt        int
	LastError      string
	Classification string
	StartedAt      time.Time
	FinishedAt     time.Time
	Signature      string
}

func (r WorkflowRow) sensitive() bool { return r.Sensitive }

func (r TaskRow) sensitive() bool {
	return r.Classification == "pii" || r.Classification == "phi"
}

// canonical encodings covered by row signatures. The definition blob and
// error text are signed in their at-rest (possibly encrypted) form so
// verification does not require the encryption key.
func (r WorkflowRow) canonical(def string) string {
	return strings.Join([]string{
		r.WorkflowID, def, r.Status, r.IdempotencyKey,
		strconv.FormatBool(r.Sensitive),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	}, "|")
}

func (r TaskRow) canonical(lastError string) string {
	return strings.Join([]string{
		r.WorkflowID, r.TaskID, r.Status,
		strconv.Itoa(r.Attempt), lastError, r.Classification,
		formatTime(r.StartedAt), formatTime(r.FinishedAt),
	}, "|")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Store is the kernel's single source of truth for workflow and task
// state.
//
// Durability contract: Put and CAS methods return only after the row is
// synced; readers never observe torn writes. Single-row atomicity is
// sufficient; the scheduler never requires multi-row transactions.
type Store interface {
	// PutWorkflow inserts or replaces a workflow row.
	PutWorkflow(ctx context.Context, row WorkflowRow) error

	// GetWorkflow returns ErrNotFound for unknown IDs.
	GetWorkflow(ctx context.Context, workflowID string) (WorkflowRow, error)

	// ListInFlight returns workflows whose status is RUNNING, for
	// recovery at startup.
	ListInFlight(ctx context.Context) ([]WorkflowRow, error)

	// PutTask inserts or replaces a task row.
	PutTask(ctx context.Context, row TaskRow) error

	// GetTask returns ErrNotFound for unknown (workflow, task) pairs.
	GetTask(ctx context.Context, workflowID, taskID string) (TaskRow, error)

	// ListTasks returns a workflow's task rows in task-ID order.
	ListTasks(ctx context.Context, workflowID string) ([]TaskRow, error)

	// CASTaskStatus replaces the task row only if the stored status
	// equals expected, and reports whether the swap won. A lost CAS is
	// not an error; the caller re-reads and re-evaluates.
	CASTaskStatus(ctx context.Context, row TaskRow, expected string) (bool, error)

	Close() error
}

// codec bundles the signer and optional cipher shared by all backends:
// encode seals a row field for storage, decode opens it, and both sides
// agree that signatures cover the sealed form.
type codec struct {
	signer *audit.Signer
	cipher *Cipher
}

func (c codec) seal(plain []byte, sensitive bool) (string, error) {
	if !sensitive || c.cipher == nil || len(plain) == 0 {
		return string(plain), nil
	}
	return c.cipher.Encrypt(plain)
}

func (c codec) open(stored string, sensitive bool) ([]byte, error) {
	if !sensitive || c.cipher == nil || stored == "" {
		return []byte(stored), nil
	}
	return c.cipher.Decrypt(stored)
}

func (c codec) signWorkflow(row *WorkflowRow) (def string, err error) {
	def, err = c.seal(row.Definition, row.sensitive())
	if err != nil {
		return "", err
	}
	row.Signature = c.signer.Sign(row.canonical(def))
	return def, nil
}

func (c codec) verifyWorkflow(row *WorkflowRow, def string) error {
	if !c.signer.Verify(row.canonical(def), row.Signature) {
		return ErrSignatureMismatch
	}
	plain, err := c.open(def, row.sensitive())
	if err != nil {
		return err
	}
	row.Definition = plain
	return nil
}

func (c codec) signTask(row *TaskRow) (lastError string, err error) {
	lastError, err = c.seal([]byte(row.LastError), row.sensitive())
	if err != nil {
		return "", err
	}
	row.Signature = c.signer.Sign(row.canonical(lastError))
	return lastError, nil
}

func (c codec) verifyTask(row *TaskRow, lastError string) error {
	if !c.signer.Verify(row.canonical(lastError), row.Signature) {
		return ErrSignatureMismatch
	}
	plain, err := c.open(lastError, row.sensitive())
	if err != nil {
		return err
	}
	row.LastError = string(plain)
	return nil
}
