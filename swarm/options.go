package swarm

import (
	"time"

	"github.com/swarmlite/swarmlite/swarm/audit"
	"github.com/swarmlite/swarmlite/swarm/emit"
	"github.com/swarmlite/swarmlite/swarm/store"
	"github.com/swarmlite/swarmlite/swarm/task"
)

// DefaultMaxConcurrent is the shared worker pool size.
const DefaultMaxConcurrent = 20

// Option configures a Kernel.
type Option func(*Kernel)

// WithStore sets the state store. Required.
func WithStore(s store.Store) Option {
	return func(k *Kernel) { k.store = s }
}

// WithAuditLog sets the audit trail. Required.
func WithAuditLog(l audit.Log) Option {
	return func(k *Kernel) { k.trail = l }
}

// WithRegistry sets the task handler registry. Defaults to an empty
// registry, which fails every dispatch; real kernels register handlers.
func WithRegistry(r *task.Registry) Option {
	return func(k *Kernel) { k.registry = r }
}

// WithGate sets the governance gate. Defaults to AllowAll.
func WithGate(g Gate) Option {
	return func(k *Kernel) { k.gate = g }
}

// WithEmitter sets the observability emitter. Defaults to NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(k *Kernel) { k.emitter = e }
}

// WithMetrics attaches Prometheus collectors. Defaults to none.
func WithMetrics(m *Metrics) Option {
	return func(k *Kernel) { k.metrics = m }
}

// WithMaxConcurrent bounds in-flight task invocations across all
// workflows in the process. Values below 1 are coerced to 1.
func WithMaxConcurrent(n int) Option {
	return func(k *Kernel) {
		if n < 1 {
			n = 1
		}
		k.maxConcurrent = n
	}
}

// WithDefaultTaskTimeout bounds each task attempt when the task itself
// does not set a timeout. Zero disables the default.
func WithDefaultTaskTimeout(d time.Duration) Option {
	return func(k *Kernel) { k.defaultTimeout = d }
}

// WithStoreRetry tunes the bounded backoff used for store writes. After
// attempts consecutive failures the scheduler exits with
// ErrStoreUnavailable.
func WithStoreRetry(attempts int, delay time.Duration) Option {
	return func(k *Kernel) {
		if attempts < 1 {
			attempts = 1
		}
		k.storeAttempts = attempts
		k.storeRetryDelay = delay
	}
}
