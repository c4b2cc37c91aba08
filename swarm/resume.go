package swarm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/swarmlite/swarmlite/swarm/audit"
	"github.com/swarmlite/swarmlite/swarm/emit"
)

// Recover resumes workflows interrupted by a crash. It enumerates
// RUNNING workflows from the store and, for each one:
//
//  1. Verifies the workflow's audit chain. A broken chain is treated as
//     tampering: the workflow is marked FAILED with IntegrityViolation
//     and quarantined, never silently resumed.
//  2. Resets RUNNING tasks to READY. The interrupted attempt is
//     considered lost and will be retried; handlers must tolerate
//     replay. SUCCESS and FAILED tasks are left untouched.
//  3. Re-enters the scheduler loop under a fresh run ID.
//
// Returns the IDs of resumed workflows. Quarantined workflows are
// reported through the returned error, joined per workflow.
func (k *Kernel) Recover(ctx context.Context) ([]string, error) {
	rows, err := k.store.ListInFlight(ctx)
	if err != nil {
		return nil, err
	}

	var resumed []string
	var errs []error
	for _, row := range rows {
		k.mu.Lock()
		_, active := k.runs[row.WorkflowID]
		k.mu.Unlock()
		if active {
			continue
		}

		if verr := k.trail.Verify(ctx, row.WorkflowID); verr != nil {
			if qerr := k.quarantine(ctx, row.WorkflowID, verr); qerr != nil {
				errs = append(errs, qerr)
			} else {
				errs = append(errs, fmt.Errorf("workflow %s: %w: %v", row.WorkflowID, ErrIntegrityViolation, verr))
			}
			continue
		}

		w, rerr := rehydrate(ctx, k.store, row)
		if rerr != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", row.WorkflowID, rerr))
			continue
		}

		r := k.newRun(w, GovContext{})
		if rerr := k.resetInterrupted(ctx, r); rerr != nil {
			r.cancel()
			errs = append(errs, fmt.Errorf("workflow %s: %w", row.WorkflowID, rerr))
			continue
		}
		k.startRun(r)
		resumed = append(resumed, w.ID)
	}
	return resumed, errors.Join(errs...)
}

// resetInterrupted moves tasks caught RUNNING back to READY.
func (k *Kernel) resetInterrupted(ctx context.Context, r *run) error {
	w := r.workflow
	for _, id := range w.TaskIDs() {
		t := w.Tasks[id]
		if t.Status != TaskRunning {
			continue
		}
		if _, err := k.casTask(ctx, r, t, TaskRunning, TaskReady, "attempt lost in crash"); err != nil {
			return err
		}
	}
	return nil
}

// quarantine marks a workflow FAILED after its audit chain failed
// verification. The existing records are left as-is; the failure is
// recorded in the workflow row, not appended to a chain that can no
// longer be trusted.
func (k *Kernel) quarantine(ctx context.Context, workflowID string, cause error) error {
	row, err := k.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("workflow %s: %w", workflowID, err)
	}
	row.Status = string(WorkflowFailed)
	row.UpdatedAt = time.Now()
	if err := k.persist(ctx, func() error { return k.store.PutWorkflow(ctx, row) }); err != nil {
		return fmt.Errorf("workflow %s: %w", workflowID, err)
	}
	k.emitter.Emit(emit.Event{
		WorkflowID: workflowID,
		Name:       audit.EventWorkflowTerminal,
		To:         string(WorkflowFailed),
		Msg:        "IntegrityViolation: " + cause.Error(),
		Time:       time.Now(),
	})
	k.metrics.workflowTerminal(WorkflowFailed)
	return nil
}
