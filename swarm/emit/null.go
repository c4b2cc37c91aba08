package emit

// NullEmitter discards all events. Used when observability output is not
// wanted; the audit log still records every transition.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that drops everything.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit implements Emitter as a no-op.
func (n *NullEmitter) Emit(Event) {}
