package audit

import (
	"context"
	"sync"
	"time"
)

// MemLog is an in-memory Log for tests and examples. It applies the same
// chaining and signing rules as the durable backends.
type MemLog struct {
	signer *Signer

	mu      sync.RWMutex
	seq     int64
	records map[string][]Record // workflowID -> chain order
}

// NewMemLog creates an empty in-memory audit log.
func NewMemLog(signer *Signer) *MemLog {
	return &MemLog{
		signer:  signer,
		records: make(map[string][]Record),
	}
}

// Append implements Log.
func (l *MemLog) Append(ctx context.Context, r Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	r.Seq = l.seq
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	chain := l.records[r.WorkflowID]
	if len(chain) == 0 {
		r.PrevHash = ZeroHash
	} else {
		r.PrevHash = chain[len(chain)-1].Signature
	}
	r.Signature = l.signer.Sign(r.canonical())

	l.records[r.WorkflowID] = append(chain, r)
	return r, nil
}

// List implements Log.
func (l *MemLog) List(ctx context.Context, workflowID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Record(nil), l.records[workflowID]...), nil
}

// Verify implements Log.
func (l *MemLog) Verify(ctx context.Context, workflowID string) error {
	records, err := l.List(ctx, workflowID)
	if err != nil {
		return err
	}
	return verifyChain(l.signer, records)
}

// Close implements Log. It is a no-op for the in-memory backend.
func (l *MemLog) Close() error { return nil }

// Tamper overwrites a stored record in place, bypassing signing. Exported
// for integrity-violation tests only.
func (l *MemLog) Tamper(workflowID string, index int, mutate func(*Record)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	chain := l.records[workflowID]
	if index >= 0 && index < len(chain) {
		mutate(&chain[index])
	}
}
