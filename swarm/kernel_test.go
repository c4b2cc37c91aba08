package swarm_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/swarmlite/swarmlite/swarm"
	"github.com/swarmlite/swarmlite/swarm/audit"
	"github.com/swarmlite/swarmlite/swarm/store"
	"github.com/swarmlite/swarmlite/swarm/task"
)

const testSecret = "unit-test-audit-secret-key-32bytes!!"

type fixture struct {
	kernel *swarm.Kernel
	store  *store.MemStore
	trail  *audit.MemLog
	mock   *task.MockHandler
}

func newFixture(t *testing.T, opts ...swarm.Option) *fixture {
	t.Helper()
	signer, err := audit.NewSigner([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		store: store.NewMemStore(signer, nil),
		trail: audit.NewMemLog(signer),
		mock:  task.NewMockHandler(),
	}
	registry := task.NewRegistry()
	registry.Register("mock", f.mock)
	registry.RegisterCompensator("undo", f.mock)

	base := []swarm.Option{
		swarm.WithStore(f.store),
		swarm.WithAuditLog(f.trail),
		swarm.WithRegistry(registry),
	}
	f.kernel, err = swarm.New(append(base, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.kernel.Close() })
	return f
}

func (f *fixture) run(t *testing.T, def, key string) swarm.Snapshot {
	t.Helper()
	ctx := context.Background()
	id, err := f.kernel.Submit(ctx, []byte(def), key, swarm.GovContext{IdempotencyKey: key})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	snap, err := f.kernel.Wait(waitCtx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return snap
}

func taskByID(t *testing.T, snap swarm.Snapshot, id string) swarm.TaskSnapshot {
	t.Helper()
	for _, ts := range snap.Tasks {
		if ts.ID == id {
			return ts
		}
	}
	t.Fatalf("task %s not in snapshot", id)
	return swarm.TaskSnapshot{}
}

func TestLinearHappyPath(t *testing.T) {
	f := newFixture(t)
	def := `
workflow_id: linear
tasks:
  - id: a
    type: mock
  - id: b
    type: mock
    depends_on: [a]
  - id: c
    type: mock
    depends_on: [b]
  - id: d
    type: mock
    depends_on: [c]
`
	snap := f.run(t, def, "")
	if snap.Status != swarm.WorkflowSuccess {
		t.Fatalf("workflow status = %s, want SUCCESS", snap.Status)
	}
	for _, ts := range snap.Tasks {
		if ts.Status != swarm.TaskSuccess {
			t.Errorf("task %s = %s, want SUCCESS", ts.ID, ts.Status)
		}
		if ts.Attempt != 1 {
			t.Errorf("task %s attempts = %d, want 1", ts.ID, ts.Attempt)
		}
	}

	records, err := f.trail.List(context.Background(), "linear")
	if err != nil {
		t.Fatal(err)
	}
	var events []string
	for _, r := range records {
		if r.Event == audit.EventTaskTransition {
			events = append(events, r.TaskID+":"+r.From+"->"+r.To)
		} else {
			events = append(events, r.Event)
		}
	}
	want := []string{
		audit.EventWorkflowCreated,
		audit.EventWorkflowStarted,
		"a:PENDING->READY", "a:READY->RUNNING", "a:RUNNING->SUCCESS",
		"b:PENDING->READY", "b:READY->RUNNING", "b:RUNNING->SUCCESS",
		"c:PENDING->READY", "c:READY->RUNNING", "c:RUNNING->SUCCESS",
		"d:PENDING->READY", "d:READY->RUNNING", "d:RUNNING->SUCCESS",
		audit.EventWorkflowTerminal,
	}
	if len(events) != len(want) {
		t.Fatalf("audit events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, events[i], want[i])
		}
	}
	if err := f.trail.Verify(context.Background(), "linear"); err != nil {
		t.Errorf("audit chain: %v", err)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	f := newFixture(t)
	f.mock.Script("a",
		task.Outcome{Err: task.Transient("flaky")},
		task.Outcome{Err: task.Transient("flaky")},
		task.Outcome{Output: map[string]any{}},
	)
	def := `
workflow_id: retry
tasks:
  - id: a
    type: mock
retry_policy:
  max_attempts: 3
  delay_seconds: 0.02
  exponential_backoff: false
  jitter_fraction: 0
`
	start := time.Now()
	snap := f.run(t, def, "")
	elapsed := time.Since(start)

	if snap.Status != swarm.WorkflowSuccess {
		t.Fatalf("workflow status = %s, want SUCCESS", snap.Status)
	}
	a := taskByID(t, snap, "a")
	if a.Status != swarm.TaskSuccess || a.Attempt != 3 {
		t.Errorf("a = %s attempt %d, want SUCCESS attempt 3", a.Status, a.Attempt)
	}
	if f.mock.Executions("a") != 3 {
		t.Errorf("executions = %d, want 3", f.mock.Executions("a"))
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("elapsed %v, want >= two retry delays", elapsed)
	}
}

func TestRetriesExhausted(t *testing.T) {
	f := newFixture(t)
	f.mock.Script("a", task.Outcome{Err: task.Transient("always down")})
	def := `
workflow_id: exhausted
tasks:
  - id: a
    type: mock
retry_policy:
  max_attempts: 2
  delay_seconds: 0.01
  jitter_fraction: 0
`
	snap := f.run(t, def, "")
	if snap.Status != swarm.WorkflowFailed {
		t.Fatalf("workflow status = %s, want FAILED", snap.Status)
	}
	a := taskByID(t, snap, "a")
	if a.Status != swarm.TaskFailed || a.Attempt != 2 {
		t.Errorf("a = %s attempt %d, want FAILED attempt 2", a.Status, a.Attempt)
	}
}

func TestPermanentFailureNoRetry(t *testing.T) {
	f := newFixture(t)
	f.mock.Script("a", task.Outcome{Err: task.Permanent("bad request")})
	def := `
workflow_id: permanent
tasks:
  - id: a
    type: mock
retry_policy:
  max_attempts: 3
  delay_seconds: 0.01
`
	snap := f.run(t, def, "")
	if snap.Status != swarm.WorkflowFailed {
		t.Fatalf("workflow status = %s, want FAILED", snap.Status)
	}
	if f.mock.Executions("a") != 1 {
		t.Errorf("executions = %d, want 1 (no retry of permanent failure)", f.mock.Executions("a"))
	}
}

func TestFailureWithCompensation(t *testing.T) {
	f := newFixture(t)
	f.mock.Script("c", task.Outcome{Err: task.Permanent("boom")})
	def := `
workflow_id: comp
tasks:
  - id: a
    type: mock
  - id: b
    type: mock
    depends_on: [a]
  - id: c
    type: mock
    depends_on: [b]
compensation_handlers:
  a: undo
  b: undo
`
	snap := f.run(t, def, "")
	if snap.Status != swarm.WorkflowFailed {
		t.Fatalf("workflow status = %s, want FAILED", snap.Status)
	}
	if got := taskByID(t, snap, "a").Status; got != swarm.TaskRollback {
		t.Errorf("a = %s, want ROLLBACK", got)
	}
	if got := taskByID(t, snap, "b").Status; got != swarm.TaskRollback {
		t.Errorf("b = %s, want ROLLBACK", got)
	}
	if got := taskByID(t, snap, "c").Status; got != swarm.TaskFailed {
		t.Errorf("c = %s, want FAILED", got)
	}

	undone := f.mock.Undone()
	if len(undone) != 2 || undone[0] != "b" || undone[1] != "a" {
		t.Errorf("compensation order = %v, want [b a]", undone)
	}

	records, _ := f.trail.List(context.Background(), "comp")
	var compEvents []string
	for _, r := range records {
		if r.Event == audit.EventCompensationRun {
			compEvents = append(compEvents, r.TaskID)
		}
	}
	if len(compEvents) != 2 || compEvents[0] != "b" || compEvents[1] != "a" {
		t.Errorf("COMPENSATION_RUN order = %v, want [b a]", compEvents)
	}
}

func TestFailureSkipsDescendants(t *testing.T) {
	f := newFixture(t)
	f.mock.Script("a", task.Outcome{Err: task.Permanent("boom")})
	def := `
workflow_id: skip
tasks:
  - id: a
    type: mock
  - id: b
    type: mock
    depends_on: [a]
  - id: c
    type: mock
    depends_on: [b]
  - id: x
    type: mock
`
	snap := f.run(t, def, "")
	if snap.Status != swarm.WorkflowFailed {
		t.Fatalf("workflow status = %s, want FAILED", snap.Status)
	}
	if got := taskByID(t, snap, "b").Status; got != swarm.TaskSkipped {
		t.Errorf("b = %s, want SKIPPED", got)
	}
	if got := taskByID(t, snap, "c").Status; got != swarm.TaskSkipped {
		t.Errorf("c = %s, want SKIPPED", got)
	}
	// Independent branch still runs.
	if got := taskByID(t, snap, "x").Status; got != swarm.TaskSuccess {
		t.Errorf("x = %s, want SUCCESS", got)
	}
	if f.mock.Executions("b")+f.mock.Executions("c") != 0 {
		t.Error("skipped tasks must not be dispatched")
	}
}

func TestParallelIndependents(t *testing.T) {
	var mu sync.Mutex
	starts := map[string]time.Time{}
	finishes := map[string]time.Time{}

	registry := task.NewRegistry()
	registry.Register("sleep", task.Fn(func(ctx context.Context, inv task.Invocation) (map[string]any, error) {
		mu.Lock()
		starts[inv.TaskID] = time.Now()
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		finishes[inv.TaskID] = time.Now()
		mu.Unlock()
		return nil, nil
	}))

	signer, _ := audit.NewSigner([]byte(testSecret))
	kernel, err := swarm.New(
		swarm.WithStore(store.NewMemStore(signer, nil)),
		swarm.WithAuditLog(audit.NewMemLog(signer)),
		swarm.WithRegistry(registry),
		swarm.WithMaxConcurrent(4),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer kernel.Close()

	def := `
workflow_id: par
tasks:
  - id: a
    type: sleep
  - id: b
    type: sleep
  - id: c
    type: sleep
    depends_on: [a, b]
`
	ctx := context.Background()
	start := time.Now()
	id, err := kernel.Submit(ctx, []byte(def), "", swarm.GovContext{})
	if err != nil {
		t.Fatal(err)
	}
	snap, err := kernel.Wait(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if snap.Status != swarm.WorkflowSuccess {
		t.Fatalf("workflow status = %s", snap.Status)
	}
	// a and b overlap: total is far less than the serial 150ms.
	if elapsed > 140*time.Millisecond {
		t.Errorf("elapsed %v, want parallel execution of a and b", elapsed)
	}
	mu.Lock()
	defer mu.Unlock()
	if starts["c"].Before(finishes["a"]) || starts["c"].Before(finishes["b"]) {
		t.Error("c started before both dependencies finished")
	}
}

func TestGovernanceDenyPHI(t *testing.T) {
	gate, err := swarm.ParseRuleGate([]byte("rules:\n  phi_allowed: false\n"))
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, swarm.WithGate(gate))
	def := `
workflow_id: phi
tasks:
  - id: a
    type: mock
    data_classification: phi
`
	snap := f.run(t, def, "")
	if snap.Status != swarm.WorkflowFailed {
		t.Fatalf("workflow status = %s, want FAILED", snap.Status)
	}
	a := taskByID(t, snap, "a")
	if a.Status != swarm.TaskFailed {
		t.Errorf("a = %s, want FAILED", a.Status)
	}
	if a.LastError != "GovernanceDenied(phi_not_allowed)" {
		t.Errorf("last error = %q", a.LastError)
	}
	if f.mock.Executions("a") != 0 {
		t.Error("denied task must not reach its handler")
	}
	if len(f.mock.Undone()) != 0 {
		t.Error("nothing succeeded, nothing to compensate")
	}

	records, _ := f.trail.List(context.Background(), "phi")
	found := false
	for _, r := range records {
		if r.Event == audit.EventGovernanceDeny {
			found = true
		}
	}
	if !found {
		t.Error("GOVERNANCE_DENY missing from audit trail")
	}
}

func TestIdempotentResubmission(t *testing.T) {
	f := newFixture(t)
	def := "workflow_id: idem\ntasks:\n  - id: a\n    type: mock\n"
	ctx := context.Background()

	id1, err := f.kernel.Submit(ctx, []byte(def), "key-1", swarm.GovContext{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.kernel.Wait(ctx, id1); err != nil {
		t.Fatal(err)
	}

	t.Run("same key returns existing handle", func(t *testing.T) {
		id2, err := f.kernel.Submit(ctx, []byte(def), "key-1", swarm.GovContext{})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if id2 != id1 {
			t.Errorf("id = %q, want %q", id2, id1)
		}
		if f.mock.Executions("a") != 1 {
			t.Errorf("executions = %d, want 1", f.mock.Executions("a"))
		}
	})

	t.Run("different key conflicts", func(t *testing.T) {
		_, err := f.kernel.Submit(ctx, []byte(def), "key-2", swarm.GovContext{})
		if !errors.Is(err, swarm.ErrWorkflowExists) {
			t.Errorf("err = %v, want ErrWorkflowExists", err)
		}
	})

	t.Run("differing definition records replay", func(t *testing.T) {
		other := "workflow_id: idem\ntasks:\n  - id: a\n    type: mock\n  - id: b\n    type: mock\n"
		id3, err := f.kernel.Submit(ctx, []byte(other), "key-1", swarm.GovContext{})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if id3 != id1 {
			t.Errorf("id = %q, want %q", id3, id1)
		}
		records, _ := f.trail.List(ctx, "idem")
		found := false
		for _, r := range records {
			if r.Event == audit.EventIdempotentReplay {
				found = true
			}
		}
		if !found {
			t.Error("IDEMPOTENT_REPLAY missing from audit trail")
		}
	})
}

func TestStopWorkflow(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	registry := task.NewRegistry()
	registry.Register("slow", task.Fn(func(ctx context.Context, inv task.Invocation) (map[string]any, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, task.TransientErr(ctx.Err())
		}
	}))

	signer, _ := audit.NewSigner([]byte(testSecret))
	kernel, err := swarm.New(
		swarm.WithStore(store.NewMemStore(signer, nil)),
		swarm.WithAuditLog(audit.NewMemLog(signer)),
		swarm.WithRegistry(registry),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer kernel.Close()

	def := `
workflow_id: stoppable
tasks:
  - id: a
    type: slow
  - id: b
    type: slow
    depends_on: [a]
`
	ctx := context.Background()
	id, err := kernel.Submit(ctx, []byte(def), "", swarm.GovContext{})
	if err != nil {
		t.Fatal(err)
	}
	<-started
	if err := kernel.Stop(ctx, id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	close(release)

	snap, err := kernel.Wait(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != swarm.WorkflowStopped {
		t.Fatalf("workflow status = %s, want STOPPED", snap.Status)
	}
	for _, ts := range snap.Tasks {
		if !taskTerminal(ts.Status) {
			t.Errorf("task %s = %s, want terminal", ts.ID, ts.Status)
		}
	}
	if got := taskByID(t, snap, "b").Status; got != swarm.TaskSkipped {
		t.Errorf("b = %s, want SKIPPED (never dispatched)", got)
	}
}

func TestStopUnknownWorkflow(t *testing.T) {
	f := newFixture(t)
	if err := f.kernel.Stop(context.Background(), "ghost"); !errors.Is(err, swarm.ErrWorkflowNotFound) {
		t.Errorf("err = %v, want ErrWorkflowNotFound", err)
	}
}

func TestStatusUnknownWorkflow(t *testing.T) {
	f := newFixture(t)
	if _, err := f.kernel.Status(context.Background(), "ghost"); !errors.Is(err, swarm.ErrWorkflowNotFound) {
		t.Errorf("err = %v, want ErrWorkflowNotFound", err)
	}
}

func TestTaskTimeoutIsTransient(t *testing.T) {
	registry := task.NewRegistry()
	calls := 0
	var mu sync.Mutex
	registry.Register("hang", task.Fn(func(ctx context.Context, inv task.Invocation) (map[string]any, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, nil
	}))

	signer, err := audit.NewSigner([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	kernel, err := swarm.New(
		swarm.WithStore(store.NewMemStore(signer, nil)),
		swarm.WithAuditLog(audit.NewMemLog(signer)),
		swarm.WithRegistry(registry),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer kernel.Close()

	def := `
workflow_id: timeout
tasks:
  - id: a
    type: hang
    timeout_seconds: 0.05
retry_policy:
  max_attempts: 2
  delay_seconds: 0.01
  jitter_fraction: 0
`
	ctx := context.Background()
	id, err := kernel.Submit(ctx, []byte(def), "", swarm.GovContext{})
	if err != nil {
		t.Fatal(err)
	}
	snap, err := kernel.Wait(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != swarm.WorkflowSuccess {
		t.Fatalf("workflow status = %s, want SUCCESS after timed-out attempt retried", snap.Status)
	}
	if got := taskByID(t, snap, "a").Attempt; got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestUnregisteredHandlerFailsTask(t *testing.T) {
	f := newFixture(t)
	def := "workflow_id: nohandler\ntasks:\n  - id: a\n    type: unknown\n"
	snap := f.run(t, def, "")
	if snap.Status != swarm.WorkflowFailed {
		t.Fatalf("workflow status = %s, want FAILED", snap.Status)
	}
	a := taskByID(t, snap, "a")
	if a.Status != swarm.TaskFailed || !strings.Contains(a.LastError, "no handler registered") {
		t.Errorf("a = %s %q", a.Status, a.LastError)
	}
}

func taskTerminal(s swarm.TaskStatus) bool {
	switch s {
	case swarm.TaskSuccess, swarm.TaskFailed, swarm.TaskRollback, swarm.TaskSkipped:
		return true
	}
	return false
}

// flakyAudit delegates to a real log but starts failing Append after a
// fixed number of successful writes.
type flakyAudit struct {
	audit.Log
	mu        sync.Mutex
	remaining int
}

func (f *flakyAudit) Append(ctx context.Context, rec audit.Record) (audit.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining <= 0 {
		return audit.Record{}, errors.New("audit backend down")
	}
	f.remaining--
	return f.Log.Append(ctx, rec)
}

func TestAuditUnavailableSurfaces(t *testing.T) {
	newKernel := func(t *testing.T, remaining int) (*swarm.Kernel, *task.MockHandler) {
		t.Helper()
		signer, err := audit.NewSigner([]byte(testSecret))
		if err != nil {
			t.Fatal(err)
		}
		mock := task.NewMockHandler()
		registry := task.NewRegistry()
		registry.Register("mock", mock)
		kernel, err := swarm.New(
			swarm.WithStore(store.NewMemStore(signer, nil)),
			swarm.WithAuditLog(&flakyAudit{Log: audit.NewMemLog(signer), remaining: remaining}),
			swarm.WithRegistry(registry),
			swarm.WithStoreRetry(2, time.Millisecond),
		)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { kernel.Close() })
		return kernel, mock
	}
	def := "workflow_id: aud\ntasks:\n  - id: a\n    type: mock\n"
	ctx := context.Background()

	t.Run("failure at submission rejects the workflow", func(t *testing.T) {
		kernel, mock := newKernel(t, 0)
		_, err := kernel.Submit(ctx, []byte(def), "", swarm.GovContext{})
		if !errors.Is(err, swarm.ErrStoreUnavailable) {
			t.Fatalf("err = %v, want ErrStoreUnavailable", err)
		}
		if mock.Executions("a") != 0 {
			t.Error("no task may run when its creation cannot be recorded")
		}
	})

	t.Run("failure mid-run stops the scheduler", func(t *testing.T) {
		// WORKFLOW_CREATED and WORKFLOW_STARTED succeed; the first task
		// transition cannot be appended.
		kernel, _ := newKernel(t, 2)
		id, err := kernel.Submit(ctx, []byte(def), "", swarm.GovContext{})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if _, err := kernel.Wait(ctx, id); !errors.Is(err, swarm.ErrStoreUnavailable) {
			t.Fatalf("Wait err = %v, want ErrStoreUnavailable", err)
		}
	})
}

func TestStopSettlesTasksWithoutScheduler(t *testing.T) {
	f := newFixture(t)
	def := "workflow_id: orphan\ntasks:\n  - id: a\n    type: mock\n  - id: b\n    type: mock\n    depends_on: [a]\n"
	f.run(t, def, "")

	// Simulate a crash that left the workflow and one task RUNNING with
	// no scheduler attached.
	ctx := context.Background()
	row, err := f.store.GetWorkflow(ctx, "orphan")
	if err != nil {
		t.Fatal(err)
	}
	row.Status = string(swarm.WorkflowRunning)
	if err := f.store.PutWorkflow(ctx, row); err != nil {
		t.Fatal(err)
	}
	tr, err := f.store.GetTask(ctx, "orphan", "a")
	if err != nil {
		t.Fatal(err)
	}
	tr.Status = string(swarm.TaskRunning)
	if err := f.store.PutTask(ctx, tr); err != nil {
		t.Fatal(err)
	}

	if err := f.kernel.Stop(ctx, "orphan"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	snap, err := f.kernel.Status(ctx, "orphan")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != swarm.WorkflowStopped {
		t.Fatalf("workflow status = %s, want STOPPED", snap.Status)
	}
	for _, ts := range snap.Tasks {
		if !taskTerminal(ts.Status) {
			t.Errorf("task %s = %s, want terminal under a terminal workflow", ts.ID, ts.Status)
		}
	}
	if got := taskByID(t, snap, "a").Status; got != swarm.TaskSkipped {
		t.Errorf("a = %s, want SKIPPED", got)
	}
}

// tripStore delegates to a real store until tripped, then fails task
// CAS writes.
type tripStore struct {
	store.Store
	mu      sync.Mutex
	tripped bool
}

func (s *tripStore) setTripped(v bool) {
	s.mu.Lock()
	s.tripped = v
	s.mu.Unlock()
}

func (s *tripStore) CASTaskStatus(ctx context.Context, row store.TaskRow, expect string) (bool, error) {
	s.mu.Lock()
	tripped := s.tripped
	s.mu.Unlock()
	if tripped {
		return false, errors.New("store down")
	}
	return s.Store.CASTaskStatus(ctx, row, expect)
}

func TestPoolSurvivesSchedulerError(t *testing.T) {
	signer, err := audit.NewSigner([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	ts := &tripStore{Store: store.NewMemStore(signer, nil)}

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	registry := task.NewRegistry()
	registry.Register("gate", task.Fn(func(ctx context.Context, inv task.Invocation) (map[string]any, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	}))
	registry.Register("sleep", task.Fn(func(ctx context.Context, inv task.Invocation) (map[string]any, error) {
		time.Sleep(100 * time.Millisecond)
		return nil, nil
	}))

	kernel, err := swarm.New(
		swarm.WithStore(ts),
		swarm.WithAuditLog(audit.NewMemLog(signer)),
		swarm.WithRegistry(registry),
		swarm.WithMaxConcurrent(2),
		swarm.WithStoreRetry(1, time.Millisecond),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer kernel.Close()

	ctx := context.Background()
	first := "workflow_id: doomed\ntasks:\n  - id: a\n    type: gate\n  - id: b\n    type: gate\n"
	id, err := kernel.Submit(ctx, []byte(first), "", swarm.GovContext{})
	if err != nil {
		t.Fatal(err)
	}
	<-started
	<-started
	ts.setTripped(true)
	close(release)
	snap, werr := kernel.Wait(ctx, id)
	if werr == nil && snap.Status.Terminal() {
		t.Fatalf("workflow reached %s with the store down", snap.Status)
	}
	ts.setTripped(false)

	// Both pool slots must be free again: two independent 100ms tasks
	// under a pool of 2 run in parallel, not serialized on a leaked slot.
	second := "workflow_id: healed\ntasks:\n  - id: c\n    type: sleep\n  - id: d\n    type: sleep\n"
	start := time.Now()
	id2, err := kernel.Submit(ctx, []byte(second), "", swarm.GovContext{})
	if err != nil {
		t.Fatal(err)
	}
	snap2, err := kernel.Wait(ctx, id2)
	if err != nil {
		t.Fatal(err)
	}
	if snap2.Status != swarm.WorkflowSuccess {
		t.Fatalf("workflow status = %s", snap2.Status)
	}
	if elapsed := time.Since(start); elapsed > 180*time.Millisecond {
		t.Errorf("elapsed %v, want parallel execution on a full pool", elapsed)
	}
}

func TestResubmitWithCorruptStoredDefinition(t *testing.T) {
	f := newFixture(t)
	def := "workflow_id: garbled\ntasks:\n  - id: a\n    type: mock\n"
	f.run(t, def, "key-1")

	ctx := context.Background()
	row, err := f.store.GetWorkflow(ctx, "garbled")
	if err != nil {
		t.Fatal(err)
	}
	row.Definition = []byte("not json")
	if err := f.store.PutWorkflow(ctx, row); err != nil {
		t.Fatal(err)
	}

	_, err = f.kernel.Submit(ctx, []byte(def), "key-1", swarm.GovContext{IdempotencyKey: "key-1"})
	if err == nil {
		t.Fatal("resubmission over a corrupt stored definition must fail")
	}
	if errors.Is(err, swarm.ErrWorkflowExists) {
		t.Errorf("err = %v, want a corruption error, not a key conflict", err)
	}
}

func TestDependencyOutputsReachHandlers(t *testing.T) {
	signer, err := audit.NewSigner([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var got map[string]any
	registry := task.NewRegistry()
	registry.Register("produce", task.Fn(func(ctx context.Context, inv task.Invocation) (map[string]any, error) {
		return map[string]any{"rows": 3}, nil
	}))
	registry.Register("consume", task.Fn(func(ctx context.Context, inv task.Invocation) (map[string]any, error) {
		mu.Lock()
		got = inv.Params
		mu.Unlock()
		return nil, nil
	}))

	kernel, err := swarm.New(
		swarm.WithStore(store.NewMemStore(signer, nil)),
		swarm.WithAuditLog(audit.NewMemLog(signer)),
		swarm.WithRegistry(registry),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer kernel.Close()

	def := "workflow_id: outputs\ntasks:\n  - id: a\n    type: produce\n  - id: b\n    type: consume\n    depends_on: [a]\n"
	ctx := context.Background()
	id, err := kernel.Submit(ctx, []byte(def), "", swarm.GovContext{})
	if err != nil {
		t.Fatal(err)
	}
	snap, err := kernel.Wait(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != swarm.WorkflowSuccess {
		t.Fatalf("workflow status = %s", snap.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	out, ok := got["a"].(map[string]any)
	if !ok {
		t.Fatalf("params = %#v, want output of a keyed by task ID", got)
	}
	if out["rows"] != 3 {
		t.Errorf("rows = %v, want 3", out["rows"])
	}
}
