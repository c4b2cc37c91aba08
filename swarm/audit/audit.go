// Package audit provides the tamper-evident audit trail for SwarmLite.
//
// Every state transition is appended as a Record whose signature is an
// HMAC-SHA256 over the record's canonical encoding, and whose PrevHash is
// the signature of the previous record for the same workflow. The records
// for one workflow therefore form a hash chain: altering or dropping any
// record breaks verification of every later record.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Event names appended to the trail.
const (
	EventWorkflowCreated  = "WORKFLOW_CREATED"
	EventWorkflowStarted  = "WORKFLOW_STARTED"
	EventTaskTransition   = "TASK_TRANSITION"
	EventWorkflowTerminal = "WORKFLOW_TERMINAL"
	EventCompensationRun  = "COMPENSATION_RUN"
	EventGovernanceDeny   = "GOVERNANCE_DENY"
	EventIdempotentReplay = "IDEMPOTENT_REPLAY"
)

// ZeroHash seeds the chain for a workflow's first record.
var ZeroHash = strings.Repeat("0", 64)

// ErrChainBroken is returned by Verify when a record's PrevHash does not
// match its predecessor's signature.
var ErrChainBroken = errors.New("audit chain broken")

// ErrBadSignature is returned by Verify when a record's signature does not
// match its canonical encoding.
var ErrBadSignature = errors.New("audit record signature mismatch")

// Record is one entry in the audit trail. Seq, PrevHash and Signature are
// assigned by Append; callers fill the rest.
type Record struct {
	Seq        int64     `json:"seq"`
	WorkflowID string    `json:"workflow_id"`
	TaskID     string    `json:"task_id,omitempty"`
	Event      string    `json:"event"`
	From       string    `json:"from_state,omitempty"`
	To         string    `json:"to_state,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	PrevHash   string    `json:"prev_hash"`
	Signature  string    `json:"signature"`
}

// canonical is the byte encoding covered by the signature: every field
// except the signature itself, pipe-joined. Timestamps are RFC3339Nano in
// UTC so the encoding is stable across processes.
func (r Record) canonical() string {
	return strings.Join([]string{
		strconv.FormatInt(r.Seq, 10),
		r.WorkflowID,
		r.TaskID,
		r.Event,
		r.From,
		r.To,
		r.Detail,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.PrevHash,
	}, "|")
}

// Log is the append-only audit trail consumed by the kernel.
type Log interface {
	// Append assigns Seq, PrevHash and Signature, persists the record,
	// and returns the stored form. Records for one workflow are totally
	// ordered; Append must not be reordered by the implementation.
	Append(ctx context.Context, r Record) (Record, error)

	// List returns a workflow's records in chain order.
	List(ctx context.Context, workflowID string) ([]Record, error)

	// Verify walks the workflow's chain from the zero hash and checks
	// every link and signature.
	Verify(ctx context.Context, workflowID string) error

	Close() error
}

// Signer computes and checks HMAC-SHA256 signatures over canonical row
// encodings. The same AUDIT_SECRET_KEY signs audit records and state
// store rows.
type Signer struct {
	key []byte
}

// MinKeyLen is the minimum accepted secret length in bytes.
const MinKeyLen = 32

// NewSigner validates the secret and returns a Signer.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) < MinKeyLen {
		return nil, fmt.Errorf("audit secret key must be at least %d bytes, got %d", MinKeyLen, len(key))
	}
	return &Signer{key: append([]byte(nil), key...)}, nil
}

// Sign returns the hex HMAC-SHA256 of the canonical encoding.
func (s *Signer) Sign(canonical string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig matches the canonical encoding, in constant
// time.
func (s *Signer) Verify(canonical, sig string) bool {
	want := s.Sign(canonical)
	return hmac.Equal([]byte(want), []byte(sig))
}

// verifyChain checks an ordered record slice against the signer. Shared by
// the Log implementations.
func verifyChain(s *Signer, records []Record) error {
	prev := ZeroHash
	for i, r := range records {
		if r.PrevHash != prev {
			return fmt.Errorf("%w: record %d (seq %d)", ErrChainBroken, i, r.Seq)
		}
		if !s.Verify(r.canonical(), r.Signature) {
			return fmt.Errorf("%w: record %d (seq %d)", ErrBadSignature, i, r.Seq)
		}
		prev = r.Signature
	}
	return nil
}
