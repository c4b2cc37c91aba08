package task

import "context"

// Fn is a plain function used as a task handler. Errors returned
// unclassified are treated as permanent; wrap with Transient/Permanent
// to control retry behavior.
type Fn func(ctx context.Context, inv Invocation) (map[string]any, error)

// Execute implements Handler.
func (f Fn) Execute(ctx context.Context, inv Invocation) (map[string]any, error) {
	return f(ctx, inv)
}

// CompensateFn is a plain function used as a compensator.
type CompensateFn func(ctx context.Context, inv Invocation) error

// Compensate implements Compensator.
func (f CompensateFn) Compensate(ctx context.Context, inv Invocation) error {
	return f(ctx, inv)
}
