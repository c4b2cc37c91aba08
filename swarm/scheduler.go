package swarm

import (
	"context"
	"errors"
	"time"

	"github.com/swarmlite/swarmlite/swarm/audit"
	"github.com/swarmlite/swarmlite/swarm/task"
)

// taskResult is one finished handler invocation.
type taskResult struct {
	taskID   string
	output   map[string]any
	err      error
	duration time.Duration
}

// schedule drives one workflow to a terminal state. It owns all timing
// (retry delays) and all dispatch; handlers never sleep on their own
// behalf. Returns ErrStoreUnavailable if the store stays down past the
// retry ceiling, leaving persisted state consistent for later resume.
func (k *Kernel) schedule(r *run) error {
	w := r.workflow
	ctx := context.Background()

	// Capacity one per task on both channels: a task has at most one
	// in-flight invocation and at most one pending retry timer, so
	// sends never block even after the loop exits on an error. Without
	// the buffer an in-flight handler would block on its send forever
	// and its shared pool slot would leak.
	results := make(chan taskResult, len(w.Tasks))
	retryFired := make(chan string, len(w.Tasks))

	inflight := 0
	stopping := false
	timers := make(map[string]*time.Timer)
	waiting := make(map[string]bool) // READY in store, retry timer pending
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		if !stopping {
			if err := k.propagateSkips(ctx, r); err != nil {
				return err
			}
			if err := k.promoteReady(ctx, r); err != nil {
				return err
			}
			n, err := k.dispatchReady(ctx, r, waiting, results)
			if err != nil {
				return err
			}
			inflight += n
		}

		if inflight == 0 {
			if stopping {
				return k.finalizeStopped(ctx, r)
			}
			if len(timers) == 0 && !anyDispatchable(w, waiting) {
				return k.finish(ctx, r)
			}
		}

		// The shared pool may be saturated by other workflows; poll for
		// a free slot when this run has work but nothing in flight.
		var pollPool <-chan time.Time
		if !stopping && inflight == 0 && anyDispatchable(w, waiting) {
			pollPool = time.After(50 * time.Millisecond)
		}

		select {
		case res := <-results:
			inflight--
			if err := k.applyResult(ctx, r, res, stopping, timers, waiting, retryFired); err != nil {
				return err
			}
		case id := <-retryFired:
			delete(timers, id)
			delete(waiting, id)
		case <-pollPool:
		case <-r.stop:
			if !stopping {
				stopping = true
				for id, t := range timers {
					t.Stop()
					delete(timers, id)
				}
				for id := range waiting {
					delete(waiting, id)
				}
			}
		}
	}
}

// promoteReady moves PENDING tasks whose dependencies are all SUCCESS
// to READY.
func (k *Kernel) promoteReady(ctx context.Context, r *run) error {
	w := r.workflow
	for _, id := range w.TaskIDs() {
		t := w.Tasks[id]
		if t.Status != TaskPending || !depsSatisfied(w, t) {
			continue
		}
		if _, err := k.casTask(ctx, r, t, TaskPending, TaskReady, ""); err != nil {
			return err
		}
	}
	return nil
}

// propagateSkips marks transitive descendants of FAILED tasks SKIPPED.
func (k *Kernel) propagateSkips(ctx context.Context, r *run) error {
	w := r.workflow
	for _, id := range w.TaskIDs() {
		if w.Tasks[id].Status != TaskFailed {
			continue
		}
		for desc := range descendants(w.Tasks, id) {
			t := w.Tasks[desc]
			if t.Status != TaskPending && t.Status != TaskReady {
				continue
			}
			if _, err := k.casTask(ctx, r, t, t.Status, TaskSkipped, "ancestor failed"); err != nil {
				return err
			}
		}
	}
	return nil
}

// dispatchReady launches READY tasks in task-ID order while the shared
// pool has spare capacity. Returns how many were launched.
func (k *Kernel) dispatchReady(ctx context.Context, r *run, waiting map[string]bool, results chan<- taskResult) (int, error) {
	w := r.workflow
	launched := 0
	for _, id := range w.TaskIDs() {
		t := w.Tasks[id]
		if t.Status != TaskReady || waiting[id] {
			continue
		}

		// Restart idempotency: trust the store over the working copy.
		row, err := k.store.GetTask(ctx, w.ID, id)
		if err == nil && TaskStatus(row.Status) == TaskSuccess {
			t.Status = TaskSuccess
			continue
		}

		if decision := k.gate.Check(t, r.gctx); !decision.Allow {
			t.LastError = GovernanceDenied(decision.Reason)
			won, err := k.casTask(ctx, r, t, TaskReady, TaskFailed, t.LastError)
			if err != nil {
				return launched, err
			}
			if won {
				if aerr := k.appendAudit(r, audit.Record{
					WorkflowID: w.ID, TaskID: id,
					Event:  audit.EventGovernanceDeny,
					Detail: t.LastError,
				}); aerr != nil {
					return launched, aerr
				}
			}
			continue
		}

		select {
		case k.sem <- struct{}{}:
		default:
			return launched, nil // pool full, resume after a completion
		}

		handler, err := k.registry.Resolve(t.Type, t.Config)
		if err != nil {
			<-k.sem
			t.LastError = err.Error()
			if _, cerr := k.casTask(ctx, r, t, TaskReady, TaskFailed, t.LastError); cerr != nil {
				return launched, cerr
			}
			continue
		}

		t.Attempt++
		t.StartedAt = time.Now()
		won, err := k.casTask(ctx, r, t, TaskReady, TaskRunning, "")
		if err != nil {
			<-k.sem
			return launched, err
		}
		if !won {
			// casTask refreshed the working copy from the store.
			<-k.sem
			continue
		}

		k.metrics.taskStarted()
		launched++
		params := make(map[string]any, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			if out, ok := r.outputs[dep]; ok {
				params[dep] = out
			}
		}
		go k.execute(r, t, handler, params, results)
	}
	return launched, nil
}

// execute runs one handler invocation on the pool.
func (k *Kernel) execute(r *run, t *Task, handler task.Handler, params map[string]any, results chan<- taskResult) {
	defer func() { <-k.sem }()

	ctx := r.ctx
	timeout := t.Timeout
	if timeout == 0 {
		timeout = k.defaultTimeout
	}
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	inv := task.Invocation{
		WorkflowID: r.workflow.ID,
		TaskID:     t.ID,
		Attempt:    t.Attempt,
		Config:     t.Config,
		Params:     params,
	}

	start := time.Now()
	out, err := handler.Execute(ctx, inv)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = task.Transient("attempt timed out after %s", timeout)
	}
	results <- taskResult{taskID: t.ID, output: out, err: err, duration: time.Since(start)}
}

// applyResult records a finished attempt: SUCCESS, retry after backoff,
// or FAILED.
func (k *Kernel) applyResult(ctx context.Context, r *run, res taskResult, stopping bool, timers map[string]*time.Timer, waiting map[string]bool, retryFired chan string) error {
	w := r.workflow
	t := w.Tasks[res.taskID]
	policy := w.RetryPolicy

	if res.err == nil {
		t.FinishedAt = time.Now()
		t.LastError = ""
		r.outputs[t.ID] = res.output
		k.metrics.taskFinished(t.Type, "success", res.duration.Seconds())
		_, err := k.casTask(ctx, r, t, TaskRunning, TaskSuccess, "")
		return err
	}

	t.LastError = res.err.Error()
	transient := task.IsTransient(res.err)

	if transient && !stopping && policy.ShouldRetry(t.Attempt) {
		k.metrics.taskFinished(t.Type, "retry", res.duration.Seconds())
		k.metrics.retryScheduled()
		won, err := k.casTask(ctx, r, t, TaskRunning, TaskReady, t.LastError)
		if err != nil {
			return err
		}
		if won {
			id := t.ID
			delay := policy.BackoffDelay(t.Attempt, nil)
			waiting[id] = true
			timers[id] = time.AfterFunc(delay, func() {
				retryFired <- id
			})
		}
		return nil
	}

	t.FinishedAt = time.Now()
	k.metrics.taskFinished(t.Type, "failed", res.duration.Seconds())
	_, err := k.casTask(ctx, r, t, TaskRunning, TaskFailed, t.LastError)
	return err
}

// casTask persists a task transition via compare-and-set and records
// it in the audit trail. A lost CAS refreshes the working copy from
// the store and reports won=false.
func (k *Kernel) casTask(ctx context.Context, r *run, t *Task, from, to TaskStatus, detail string) (bool, error) {
	w := r.workflow
	t.Status = to
	row := taskRowOf(w, t)

	var won bool
	err := k.persist(ctx, func() error {
		var cerr error
		won, cerr = k.store.CASTaskStatus(ctx, row, string(from))
		return cerr
	})
	if err != nil {
		return false, err
	}
	if !won {
		if current, gerr := k.store.GetTask(ctx, w.ID, t.ID); gerr == nil {
			t.Status = TaskStatus(current.Status)
			t.Attempt = current.Attempt
			t.LastError = current.LastError
		}
		return false, nil
	}

	if aerr := k.appendAudit(r, audit.Record{
		WorkflowID: w.ID,
		TaskID:     t.ID,
		Event:      audit.EventTaskTransition,
		From:       string(from),
		To:         string(to),
		Detail:     detail,
	}); aerr != nil {
		return false, aerr
	}
	return true, nil
}

// finish decides the terminal status once every task is settled:
// any FAILED task fails the workflow after compensation; otherwise
// SUCCESS.
func (k *Kernel) finish(ctx context.Context, r *run) error {
	w := r.workflow
	for _, id := range w.TaskIDs() {
		t := w.Tasks[id]
		if t.Status == TaskPending || t.Status == TaskReady {
			if _, err := k.casTask(ctx, r, t, t.Status, TaskSkipped, "unreachable"); err != nil {
				return err
			}
		}
	}
	if anyFailed(r.workflow) {
		if err := k.compensate(ctx, r); err != nil {
			return err
		}
		return k.finalize(ctx, r, WorkflowFailed, "")
	}
	return k.finalize(ctx, r, WorkflowSuccess, "")
}

// finalizeStopped marks undispatched tasks SKIPPED so the terminal
// workflow holds no pending work, then records STOPPED.
func (k *Kernel) finalizeStopped(ctx context.Context, r *run) error {
	w := r.workflow
	for _, id := range w.TaskIDs() {
		t := w.Tasks[id]
		if t.Status == TaskPending || t.Status == TaskReady {
			if _, err := k.casTask(ctx, r, t, t.Status, TaskSkipped, "workflow stopped"); err != nil {
				return err
			}
		}
	}
	return k.finalize(ctx, r, WorkflowStopped, "stop requested")
}

func (k *Kernel) finalize(ctx context.Context, r *run, status WorkflowStatus, detail string) error {
	w := r.workflow
	from := w.Status
	w.Status = status
	w.UpdatedAt = time.Now()
	if err := k.persistWorkflow(ctx, w); err != nil {
		return err
	}
	if err := k.appendAudit(r, audit.Record{
		WorkflowID: w.ID,
		Event:      audit.EventWorkflowTerminal,
		From:       string(from),
		To:         string(status),
		Detail:     detail,
	}); err != nil {
		return err
	}
	k.metrics.workflowTerminal(status)
	return nil
}

func depsSatisfied(w *Workflow, t *Task) bool {
	for _, dep := range t.DependsOn {
		if w.Tasks[dep].Status != TaskSuccess {
			return false
		}
	}
	return true
}

func allTasksTerminal(w *Workflow) bool {
	for _, t := range w.Tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

func anyFailed(w *Workflow) bool {
	for _, t := range w.Tasks {
		if t.Status == TaskFailed {
			return true
		}
	}
	return false
}

// anyDispatchable reports whether some task could still run: READY and
// not parked behind a retry timer, or PENDING with satisfiable deps.
func anyDispatchable(w *Workflow, waiting map[string]bool) bool {
	for id, t := range w.Tasks {
		switch t.Status {
		case TaskReady:
			if !waiting[id] {
				return true
			}
		case TaskPending:
			if depsSatisfied(w, t) {
				return true
			}
		case TaskRunning:
			return true
		}
	}
	return false
}
