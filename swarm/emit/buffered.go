package emit

import "sync"

// BufferedEmitter decouples the scheduler from a slow downstream emitter.
// Events are queued on a channel and drained by a single goroutine; when
// the buffer is full the oldest behavior is to drop the new event rather
// than stall a dispatch loop.
type BufferedEmitter struct {
	downstream Emitter
	queue      chan Event

	closeOnce sync.Once
	done      chan struct{}

	mu      sync.Mutex
	dropped int
}

// NewBufferedEmitter wraps downstream with a buffer of the given
// capacity (minimum 1) and starts the drain goroutine.
func NewBufferedEmitter(downstream Emitter, capacity int) *BufferedEmitter {
	if capacity < 1 {
		capacity = 1
	}
	b := &BufferedEmitter{
		downstream: downstream,
		queue:      make(chan Event, capacity),
		done:       make(chan struct{}),
	}
	go b.drain()
	return b
}

func (b *BufferedEmitter) drain() {
	for event := range b.queue {
		b.downstream.Emit(event)
	}
	close(b.done)
}

// Emit implements Emitter. Never blocks: if the buffer is full the event
// is counted as dropped.
func (b *BufferedEmitter) Emit(event Event) {
	select {
	case b.queue <- event:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
	}
}

// Dropped returns how many events were discarded due to a full buffer.
func (b *BufferedEmitter) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close flushes buffered events to the downstream emitter and stops the
// drain goroutine. Emit after Close panics; close last.
func (b *BufferedEmitter) Close() {
	b.closeOnce.Do(func() {
		close(b.queue)
		<-b.done
	})
}
