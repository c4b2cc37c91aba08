package swarm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmlite/swarmlite/swarm/audit"
	"github.com/swarmlite/swarmlite/swarm/emit"
	"github.com/swarmlite/swarmlite/swarm/store"
	"github.com/swarmlite/swarmlite/swarm/task"
)

// Kernel is the workflow orchestration engine. One kernel per process;
// each submitted workflow gets its own scheduler goroutine, all sharing
// one bounded worker pool for task execution.
//
// The store is the sole source of truth. The kernel's in-memory
// Workflow structs are a working copy; every transition is persisted
// before the scheduler acts on it.
type Kernel struct {
	store    store.Store
	trail    audit.Log
	registry *task.Registry
	gate     Gate
	emitter  emit.Emitter
	metrics  *Metrics

	maxConcurrent   int
	defaultTimeout  time.Duration
	storeAttempts   int
	storeRetryDelay time.Duration

	sem chan struct{}

	mu   sync.Mutex
	runs map[string]*run
}

// run is one live scheduler execution of a workflow.
type run struct {
	workflow *Workflow
	runID    string
	gctx     GovContext

	// outputs holds the result map of each task that succeeded during
	// this run, keyed by task ID. Only the scheduler goroutine touches
	// it. Outputs are not persisted; after a resume, tasks completed in
	// an earlier run contribute no entries.
	outputs map[string]map[string]any

	// ctx is canceled on stop so in-flight handlers return promptly.
	ctx    context.Context
	cancel context.CancelFunc

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	err error
}

func (r *run) requestStop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		r.cancel()
	})
}

// New assembles a kernel. A store and an audit log are required.
func New(opts ...Option) (*Kernel, error) {
	k := &Kernel{
		registry:        task.NewRegistry(),
		gate:            AllowAll{},
		emitter:         emit.NewNullEmitter(),
		maxConcurrent:   DefaultMaxConcurrent,
		storeAttempts:   5,
		storeRetryDelay: 100 * time.Millisecond,
		runs:            make(map[string]*run),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.store == nil {
		return nil, errors.New("kernel requires a store")
	}
	if k.trail == nil {
		return nil, errors.New("kernel requires an audit log")
	}
	k.sem = make(chan struct{}, k.maxConcurrent)
	return k, nil
}

// Registry exposes the handler registry for registration at startup.
func (k *Kernel) Registry() *task.Registry { return k.registry }

// Submit validates a definition and starts executing it. It returns the
// workflow ID as soon as initial state is durable; execution proceeds
// asynchronously (observe via Status or Wait).
//
// Resubmission with the same (workflow_id, idempotency_key) returns the
// existing workflow's ID without dispatching anything. The same
// workflow ID under a different key is ErrWorkflowExists.
func (k *Kernel) Submit(ctx context.Context, definition []byte, idempotencyKey string, gctx GovContext) (string, error) {
	w, err := Parse(definition, idempotencyKey)
	if err != nil {
		return "", err
	}

	existing, err := k.store.GetWorkflow(ctx, w.ID)
	switch {
	case err == nil:
		if existing.IdempotencyKey != idempotencyKey {
			return "", fmt.Errorf("%w: %s", ErrWorkflowExists, w.ID)
		}
		changed, cerr := definitionChanged(w, existing.Definition)
		if cerr != nil {
			return "", fmt.Errorf("stored definition for %s: %w", w.ID, cerr)
		}
		if changed {
			rec := audit.Record{
				WorkflowID: w.ID,
				Event:      audit.EventIdempotentReplay,
				Detail:     "definition differs from original submission",
				Timestamp:  time.Now(),
			}
			if aerr := k.persist(ctx, func() error {
				_, err := k.trail.Append(ctx, rec)
				return err
			}); aerr != nil {
				return "", aerr
			}
		}
		return w.ID, nil
	case errors.Is(err, store.ErrNotFound):
		// first submission
	default:
		return "", err
	}

	now := time.Now()
	w.Status = WorkflowRunning
	w.CreatedAt = now
	w.UpdatedAt = now
	for _, id := range w.TaskIDs() {
		w.Tasks[id].Status = TaskPending
	}

	if err := k.persistWorkflow(ctx, w); err != nil {
		return "", err
	}
	for _, id := range w.TaskIDs() {
		if err := k.persist(ctx, func() error {
			return k.store.PutTask(ctx, taskRowOf(w, w.Tasks[id]))
		}); err != nil {
			return "", err
		}
	}

	r := k.newRun(w, gctx)
	if err := k.appendAudit(r, audit.Record{
		WorkflowID: w.ID, Event: audit.EventWorkflowCreated,
		To: string(WorkflowPending), Timestamp: now,
	}); err != nil {
		r.cancel()
		return "", err
	}
	if err := k.appendAudit(r, audit.Record{
		WorkflowID: w.ID, Event: audit.EventWorkflowStarted,
		From: string(WorkflowPending), To: string(WorkflowRunning), Timestamp: time.Now(),
	}); err != nil {
		r.cancel()
		return "", err
	}

	k.startRun(r)
	return w.ID, nil
}

// Status returns the persisted state of a workflow.
func (k *Kernel) Status(ctx context.Context, workflowID string) (Snapshot, error) {
	row, err := k.store.GetWorkflow(ctx, workflowID)
	if errors.Is(err, store.ErrNotFound) {
		return Snapshot{}, ErrWorkflowNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	w, err := rehydrate(ctx, k.store, row)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(w), nil
}

// History returns a workflow's audit records in chain order.
func (k *Kernel) History(ctx context.Context, workflowID string) ([]audit.Record, error) {
	if _, err := k.store.GetWorkflow(ctx, workflowID); errors.Is(err, store.ErrNotFound) {
		return nil, ErrWorkflowNotFound
	} else if err != nil {
		return nil, err
	}
	return k.trail.List(ctx, workflowID)
}

// Stop requests cooperative shutdown of a workflow: pending retry
// timers are canceled, no new tasks dispatch, in-flight handlers are
// signaled through their context and their results recorded.
func (k *Kernel) Stop(ctx context.Context, workflowID string) error {
	k.mu.Lock()
	r, active := k.runs[workflowID]
	k.mu.Unlock()
	if active {
		r.requestStop()
		return nil
	}

	// No live scheduler. A non-terminal row (e.g. after a crash) is
	// finalized directly.
	row, err := k.store.GetWorkflow(ctx, workflowID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrWorkflowNotFound
	}
	if err != nil {
		return err
	}
	if WorkflowStatus(row.Status).Terminal() {
		return nil
	}
	w, err := rehydrate(ctx, k.store, row)
	if err != nil {
		return err
	}
	dead := k.newRun(w, GovContext{})
	defer dead.cancel()
	// No handler is running, so every unsettled task (including ones
	// caught RUNNING by a crash) is skipped before the terminal write.
	for _, id := range w.TaskIDs() {
		t := w.Tasks[id]
		if t.Status.Terminal() {
			continue
		}
		if _, err := k.casTask(ctx, dead, t, t.Status, TaskSkipped, "stopped while not scheduled"); err != nil {
			return err
		}
	}
	return k.finalize(ctx, dead, WorkflowStopped, "stopped while not scheduled")
}

// Wait blocks until the workflow's scheduler finishes or ctx expires,
// then returns the final snapshot. Waiting on a workflow with no live
// scheduler returns its persisted state immediately.
func (k *Kernel) Wait(ctx context.Context, workflowID string) (Snapshot, error) {
	k.mu.Lock()
	r, active := k.runs[workflowID]
	k.mu.Unlock()
	if active {
		select {
		case <-r.done:
			if r.err != nil {
				return Snapshot{}, r.err
			}
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}
	return k.Status(ctx, workflowID)
}

// Close stops all live runs and waits for their schedulers to exit. The
// store and audit log are not closed; the caller owns them.
func (k *Kernel) Close() error {
	k.mu.Lock()
	live := make([]*run, 0, len(k.runs))
	for _, r := range k.runs {
		live = append(live, r)
	}
	k.mu.Unlock()
	for _, r := range live {
		r.requestStop()
	}
	for _, r := range live {
		<-r.done
	}
	return nil
}

func (k *Kernel) newRun(w *Workflow, gctx GovContext) *run {
	ctx, cancel := context.WithCancel(context.Background())
	return &run{
		workflow: w,
		runID:    uuid.NewString(),
		gctx:     gctx,
		outputs:  make(map[string]map[string]any),
		ctx:      ctx,
		cancel:   cancel,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (k *Kernel) startRun(r *run) {
	k.mu.Lock()
	k.runs[r.workflow.ID] = r
	k.mu.Unlock()

	go func() {
		defer func() {
			k.mu.Lock()
			delete(k.runs, r.workflow.ID)
			k.mu.Unlock()
			r.cancel()
			close(r.done)
		}()
		r.err = k.schedule(r)
	}()
}

// persist runs a store write under bounded backoff. Signature and
// not-found errors are surfaced immediately; anything else is assumed
// to be store unavailability and retried until the ceiling.
func (k *Kernel) persist(ctx context.Context, op func() error) error {
	delay := k.storeRetryDelay
	var err error
	for attempt := 0; attempt < k.storeAttempts; attempt++ {
		err = op()
		if err == nil ||
			errors.Is(err, store.ErrNotFound) ||
			errors.Is(err, store.ErrSignatureMismatch) {
			return err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func (k *Kernel) persistWorkflow(ctx context.Context, w *Workflow) error {
	blob, err := marshalWorkflow(w)
	if err != nil {
		return err
	}
	row := store.WorkflowRow{
		WorkflowID:     w.ID,
		Definition:     blob,
		Status:         string(w.Status),
		IdempotencyKey: w.IdempotencyKey,
		Sensitive:      w.Sensitive(),
		CreatedAt:      w.CreatedAt,
		UpdatedAt:      w.UpdatedAt,
	}
	return k.persist(ctx, func() error { return k.store.PutWorkflow(ctx, row) })
}

// appendAudit writes a record and mirrors it to the emitter. The write
// uses a background context: transitions recorded during stop handling
// must still reach the trail. Append goes through the same bounded
// backoff as state-store writes; a failure past the ceiling surfaces as
// ErrStoreUnavailable so no transition is lost silently.
func (k *Kernel) appendAudit(r *run, rec audit.Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	ctx := context.Background()
	var stored audit.Record
	if err := k.persist(ctx, func() error {
		var aerr error
		stored, aerr = k.trail.Append(ctx, rec)
		return aerr
	}); err != nil {
		return err
	}
	k.emitter.Emit(emit.Event{
		RunID:      r.runID,
		WorkflowID: stored.WorkflowID,
		TaskID:     stored.TaskID,
		Name:       stored.Event,
		From:       stored.From,
		To:         stored.To,
		Msg:        stored.Detail,
		Time:       stored.Timestamp,
	})
	return nil
}

func taskRowOf(w *Workflow, t *Task) store.TaskRow {
	return store.TaskRow{
		WorkflowID:     w.ID,
		TaskID:         t.ID,
		Status:         string(t.Status),
		Attempt:        t.Attempt,
		LastError:      t.LastError,
		Classification: string(t.Classification),
		StartedAt:      t.StartedAt,
		FinishedAt:     t.FinishedAt,
	}
}

// persistedWorkflow is the definition blob layout kept in the workflow
// row. It carries everything needed to rehydrate a workflow after a
// restart; live task state is overlaid from the task rows.
type persistedWorkflow struct {
	WorkflowID           string            `json:"workflow_id"`
	Tasks                []*Task           `json:"tasks"`
	RetryPolicy          RetryPolicy       `json:"retry_policy"`
	CompensationHandlers map[string]string `json:"compensation_handlers,omitempty"`
	IdempotencyKey       string            `json:"idempotency_key,omitempty"`
}

// definitionChanged compares a freshly parsed workflow against a stored
// definition blob, ignoring live task state. The stored blob is
// rewritten on every transition, so the comparison must strip the
// fields the scheduler mutates.
func definitionChanged(w *Workflow, stored []byte) (bool, error) {
	var p persistedWorkflow
	if err := json.Unmarshal(stored, &p); err != nil {
		return false, err
	}
	prev := &Workflow{
		ID:                   p.WorkflowID,
		Tasks:                make(map[string]*Task, len(p.Tasks)),
		RetryPolicy:          p.RetryPolicy,
		CompensationHandlers: p.CompensationHandlers,
		IdempotencyKey:       p.IdempotencyKey,
	}
	for _, t := range p.Tasks {
		prev.Tasks[t.ID] = t
	}
	a, err := definitionFingerprint(w)
	if err != nil {
		return false, err
	}
	b, err := definitionFingerprint(prev)
	if err != nil {
		return false, err
	}
	return !bytes.Equal(a, b), nil
}

func definitionFingerprint(w *Workflow) ([]byte, error) {
	c := &Workflow{
		ID:                   w.ID,
		Tasks:                make(map[string]*Task, len(w.Tasks)),
		RetryPolicy:          w.RetryPolicy,
		CompensationHandlers: w.CompensationHandlers,
		IdempotencyKey:       w.IdempotencyKey,
	}
	for id, t := range w.Tasks {
		tc := *t
		tc.Status = ""
		tc.Attempt = 0
		tc.LastError = ""
		tc.StartedAt = time.Time{}
		tc.FinishedAt = time.Time{}
		c.Tasks[id] = &tc
	}
	return marshalWorkflow(c)
}

func marshalWorkflow(w *Workflow) ([]byte, error) {
	p := persistedWorkflow{
		WorkflowID:           w.ID,
		RetryPolicy:          w.RetryPolicy,
		CompensationHandlers: w.CompensationHandlers,
		IdempotencyKey:       w.IdempotencyKey,
	}
	for _, id := range w.TaskIDs() {
		p.Tasks = append(p.Tasks, w.Tasks[id])
	}
	return json.Marshal(p)
}

func rehydrate(ctx context.Context, s store.Store, row store.WorkflowRow) (*Workflow, error) {
	var p persistedWorkflow
	if err := json.Unmarshal(row.Definition, &p); err != nil {
		return nil, fmt.Errorf("corrupt definition for %s: %w", row.WorkflowID, err)
	}
	w := &Workflow{
		ID:                   p.WorkflowID,
		Tasks:                make(map[string]*Task, len(p.Tasks)),
		RetryPolicy:          p.RetryPolicy,
		CompensationHandlers: p.CompensationHandlers,
		IdempotencyKey:       row.IdempotencyKey,
		Status:               WorkflowStatus(row.Status),
		CreatedAt:            row.CreatedAt,
		UpdatedAt:            row.UpdatedAt,
	}
	for _, t := range p.Tasks {
		w.Tasks[t.ID] = t
	}

	taskRows, err := s.ListTasks(ctx, row.WorkflowID)
	if err != nil {
		return nil, err
	}
	for _, tr := range taskRows {
		t, ok := w.Tasks[tr.TaskID]
		if !ok {
			continue
		}
		t.Status = TaskStatus(tr.Status)
		t.Attempt = tr.Attempt
		t.LastError = tr.LastError
		t.StartedAt = tr.StartedAt
		t.FinishedAt = tr.FinishedAt
	}
	return w, nil
}
