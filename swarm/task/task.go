// Package task defines the handler contract for workflow tasks and the
// built-in handler families: http, fn, db, llm, mock.
//
// Handlers classify their failures as transient or permanent via *Error;
// the scheduler retries transient failures per the workflow retry policy
// and fails the task immediately on permanent ones. Errors of any other
// type are treated as permanent.
package task

import (
	"context"
	"errors"
	"fmt"
)

// Invocation carries everything a handler needs for one task attempt.
type Invocation struct {
	WorkflowID string
	TaskID     string

	// Attempt is 1-based.
	Attempt int

	// Config is the task's static config block from the workflow
	// definition.
	Config map[string]any

	// Params carries runtime inputs. For Execute it holds the output
	// maps of this task's dependencies, keyed by task ID; for
	// Compensate it is the output of the forward invocation being
	// undone. Outputs are held per run, so tasks completed before a
	// crash contribute nothing after resume.
	Params map[string]any
}

// Handler executes one task attempt.
type Handler interface {
	// Execute runs the task and returns its output. The context carries
	// the task's wall-clock timeout; handlers must respect cancellation.
	Execute(ctx context.Context, inv Invocation) (map[string]any, error)
}

// Compensator undoes the effects of a previously successful task.
type Compensator interface {
	Compensate(ctx context.Context, inv Invocation) error
}

// Kind classifies a handler failure.
type Kind int

const (
	// KindPermanent failures are not retried.
	KindPermanent Kind = iota

	// KindTransient failures may succeed on retry.
	KindTransient
)

func (k Kind) String() string {
	if k == KindTransient {
		return "transient"
	}
	return "permanent"
}

// Error is a classified handler failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(format string, args ...any) *Error {
	return &Error{Kind: KindTransient, Err: fmt.Errorf(format, args...)}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(format string, args ...any) *Error {
	return &Error{Kind: KindPermanent, Err: fmt.Errorf(format, args...)}
}

// TransientErr wraps an existing error as retryable.
func TransientErr(err error) *Error {
	return &Error{Kind: KindTransient, Err: err}
}

// PermanentErr wraps an existing error as non-retryable.
func PermanentErr(err error) *Error {
	return &Error{Kind: KindPermanent, Err: err}
}

// IsTransient reports whether err is a classified transient failure.
// Unclassified errors are permanent.
func IsTransient(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == KindTransient
	}
	return false
}
