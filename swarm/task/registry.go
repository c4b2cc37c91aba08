package task

import (
	"fmt"
	"sync"
)

// Registry maps task types to handlers and compensation handler names
// to compensators.
//
// Resolution order for a task: if the task config names a "function",
// the handler registered under (type, function) wins; otherwise the
// per-type default handler is used.
type Registry struct {
	mu           sync.RWMutex
	defaults     map[string]Handler
	named        map[string]Handler
	compensators map[string]Compensator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defaults:     make(map[string]Handler),
		named:        make(map[string]Handler),
		compensators: make(map[string]Compensator),
	}
}

// Register installs the default handler for a task type.
func (r *Registry) Register(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[taskType] = h
}

// RegisterFunc installs a handler for (type, function) pairs where the
// task config selects a specific function.
func (r *Registry) RegisterFunc(taskType, function string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.named[taskType+"/"+function] = h
}

// RegisterCompensator installs a named compensator referenced by a
// workflow's compensation_handlers map.
func (r *Registry) RegisterCompensator(name string, c Compensator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compensators[name] = c
}

// Resolve finds the handler for a task. config is the task's config
// block; a "function" key selects a named handler.
func (r *Registry) Resolve(taskType string, config map[string]any) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if fn, ok := config["function"].(string); ok && fn != "" {
		if h, ok := r.named[taskType+"/"+fn]; ok {
			return h, nil
		}
		return nil, fmt.Errorf("no handler registered for type %q function %q", taskType, fn)
	}
	if h, ok := r.defaults[taskType]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("no handler registered for task type %q", taskType)
}

// Compensator returns the named compensator, or nil when absent.
func (r *Registry) Compensator(name string) Compensator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.compensators[name]
}
