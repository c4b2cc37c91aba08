package swarm

import (
	"context"
	"fmt"

	"github.com/swarmlite/swarmlite/swarm/audit"
	"github.com/swarmlite/swarmlite/swarm/task"
)

// compensate rolls back succeeded tasks after a workflow failure.
//
// It walks the DAG in reverse topological order over tasks that are
// SUCCESS and have a registered compensation handler. Compensation is
// best-effort with respect to compensators: a failing compensator is
// recorded and skipped over, never blocking rollback of earlier tasks.
// Store or audit unavailability aborts the walk; tasks left SUCCESS are
// tolerated by resume. Successful compensation moves the task
// SUCCESS -> ROLLBACK; tasks without a handler stay SUCCESS so the
// audit trail shows which side effects were not undone.
func (k *Kernel) compensate(ctx context.Context, r *run) error {
	w := r.workflow
	order := topoSort(w.Tasks)

	for i := len(order) - 1; i >= 0; i-- {
		t := w.Tasks[order[i]]
		if t.Status != TaskSuccess {
			continue
		}
		name, ok := w.CompensationHandlers[t.ID]
		if !ok {
			continue
		}

		comp := k.registry.Compensator(name)
		if comp == nil {
			if aerr := k.appendAudit(r, audit.Record{
				WorkflowID: w.ID, TaskID: t.ID,
				Event:  audit.EventCompensationRun,
				Detail: fmt.Sprintf("compensator %q not registered", name),
			}); aerr != nil {
				return aerr
			}
			continue
		}

		inv := task.Invocation{
			WorkflowID: w.ID,
			TaskID:     t.ID,
			Attempt:    t.Attempt,
			Config:     t.Config,
			Params:     r.outputs[t.ID],
		}
		err := comp.Compensate(ctx, inv)
		k.metrics.compensationRan()

		if err != nil {
			if aerr := k.appendAudit(r, audit.Record{
				WorkflowID: w.ID, TaskID: t.ID,
				Event:  audit.EventCompensationRun,
				Detail: "compensation failed: " + err.Error(),
			}); aerr != nil {
				return aerr
			}
			continue
		}

		if aerr := k.appendAudit(r, audit.Record{
			WorkflowID: w.ID, TaskID: t.ID,
			Event:  audit.EventCompensationRun,
			Detail: "ok",
		}); aerr != nil {
			return aerr
		}
		if _, err := k.casTask(ctx, r, t, TaskSuccess, TaskRollback, "compensated by "+name); err != nil {
			return err
		}
	}
	return nil
}
