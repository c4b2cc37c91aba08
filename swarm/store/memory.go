package store

import (
	"context"
	"sort"
	"sync"

	"github.com/swarmlite/swarmlite/swarm/audit"
)

// MemStore is an in-memory Store for tests and examples. It signs and
// verifies rows exactly like the durable backends so signature handling
// is exercised everywhere.
type MemStore struct {
	codec codec

	mu        sync.RWMutex
	workflows map[string]memWorkflow
	tasks     map[string]map[string]memTask // workflowID -> taskID -> row
}

type memWorkflow struct {
	row WorkflowRow
	def string // sealed definition, as signed
}

type memTask struct {
	row       TaskRow
	lastError string // sealed error text, as signed
}

// NewMemStore creates an empty in-memory store. The cipher may be nil
// when no workflow uses a non-public classification.
func NewMemStore(signer *audit.Signer, cipher *Cipher) *MemStore {
	return &MemStore{
		codec:     codec{signer: signer, cipher: cipher},
		workflows: make(map[string]memWorkflow),
		tasks:     make(map[string]map[string]memTask),
	}
}

// PutWorkflow implements Store.
func (s *MemStore) PutWorkflow(ctx context.Context, row WorkflowRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	def, err := s.codec.signWorkflow(&row)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[row.WorkflowID] = memWorkflow{row: row, def: def}
	return nil
}

// GetWorkflow implements Store.
func (s *MemStore) GetWorkflow(ctx context.Context, workflowID string) (WorkflowRow, error) {
	if err := ctx.Err(); err != nil {
		return WorkflowRow{}, err
	}
	s.mu.RLock()
	entry, ok := s.workflows[workflowID]
	s.mu.RUnlock()
	if !ok {
		return WorkflowRow{}, ErrNotFound
	}
	row := entry.row
	if err := s.codec.verifyWorkflow(&row, entry.def); err != nil {
		return WorkflowRow{}, err
	}
	return row, nil
}

// ListInFlight implements Store.
func (s *MemStore) ListInFlight(ctx context.Context) ([]WorkflowRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.workflows))
	for id, entry := range s.workflows {
		if entry.row.Status == "RUNNING" {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	rows := make([]WorkflowRow, 0, len(ids))
	for _, id := range ids {
		row, err := s.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// PutTask implements Store.
func (s *MemStore) PutTask(ctx context.Context, row TaskRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lastError, err := s.codec.signTask(&row)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byTask, ok := s.tasks[row.WorkflowID]
	if !ok {
		byTask = make(map[string]memTask)
		s.tasks[row.WorkflowID] = byTask
	}
	byTask[row.TaskID] = memTask{row: row, lastError: lastError}
	return nil
}

// GetTask implements Store.
func (s *MemStore) GetTask(ctx context.Context, workflowID, taskID string) (TaskRow, error) {
	if err := ctx.Err(); err != nil {
		return TaskRow{}, err
	}
	s.mu.RLock()
	entry, ok := s.tasks[workflowID][taskID]
	s.mu.RUnlock()
	if !ok {
		return TaskRow{}, ErrNotFound
	}
	row := entry.row
	if err := s.codec.verifyTask(&row, entry.lastError); err != nil {
		return TaskRow{}, err
	}
	return row, nil
}

// ListTasks implements Store.
func (s *MemStore) ListTasks(ctx context.Context, workflowID string) ([]TaskRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.tasks[workflowID]))
	for id := range s.tasks[workflowID] {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	rows := make([]TaskRow, 0, len(ids))
	for _, id := range ids {
		row, err := s.GetTask(ctx, workflowID, id)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// CASTaskStatus implements Store.
func (s *MemStore) CASTaskStatus(ctx context.Context, row TaskRow, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	lastError, err := s.codec.signTask(&row)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[row.WorkflowID][row.TaskID]
	if !ok || current.row.Status != expected {
		return false, nil
	}
	s.tasks[row.WorkflowID][row.TaskID] = memTask{row: row, lastError: lastError}
	return true, nil
}

// Close implements Store. It is a no-op for the in-memory backend.
func (s *MemStore) Close() error { return nil }

// TamperTask corrupts a stored task row in place, bypassing signing.
// Exported for signature-verification tests only.
func (s *MemStore) TamperTask(workflowID, taskID string, mutate func(*TaskRow)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.tasks[workflowID][taskID]
	mutate(&entry.row)
	s.tasks[workflowID][taskID] = entry
}
