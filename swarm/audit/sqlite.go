package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLog is a SQLite-backed Log. Appends run inside a transaction that
// reads the chain head and inserts the new record, so concurrent appends
// for one workflow cannot fork the chain.
//
// The table is append-only by construction: no UPDATE or DELETE statement
// exists in this package.
type SQLiteLog struct {
	db     *sql.DB
	signer *Signer
}

// NewSQLiteLog opens (or creates) the audit table at the given database
// path. Pass ":memory:" for an ephemeral log in tests.
func NewSQLiteLog(path string, signer *Signer) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure audit db: %w", err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS audit (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id TEXT NOT NULL,
			task_id TEXT,
			event TEXT NOT NULL,
			from_state TEXT,
			to_state TEXT,
			detail TEXT,
			timestamp TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			signature TEXT NOT NULL
		)
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_audit_workflow ON audit(workflow_id, seq)"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit index: %w", err)
	}

	return &SQLiteLog{db: db, signer: signer}, nil
}

// Append implements Log.
func (l *SQLiteLog) Append(ctx context.Context, r Record) (Record, error) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Chain head: signature of the workflow's latest record.
	var prev sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT signature FROM audit WHERE workflow_id = ? ORDER BY seq DESC LIMIT 1",
		r.WorkflowID,
	).Scan(&prev)
	switch {
	case err == sql.ErrNoRows:
		r.PrevHash = ZeroHash
	case err != nil:
		return Record{}, fmt.Errorf("read chain head: %w", err)
	default:
		r.PrevHash = prev.String
	}

	// Seq must be known before signing; reserve it from the sequence.
	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, "SELECT MAX(seq) FROM audit").Scan(&maxSeq); err != nil {
		return Record{}, fmt.Errorf("read sequence: %w", err)
	}
	r.Seq = maxSeq.Int64 + 1
	r.Signature = l.signer.Sign(r.canonical())

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit (seq, workflow_id, task_id, event, from_state, to_state, detail, timestamp, prev_hash, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Seq, r.WorkflowID, r.TaskID, r.Event, r.From, r.To, r.Detail,
		r.Timestamp.UTC().Format(time.RFC3339Nano), r.PrevHash, r.Signature,
	)
	if err != nil {
		return Record{}, fmt.Errorf("append audit record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit append: %w", err)
	}
	return r, nil
}

// List implements Log.
func (l *SQLiteLog) List(ctx context.Context, workflowID string) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, workflow_id, task_id, event, from_state, to_state, detail, timestamp, prev_hash, signature
		FROM audit WHERE workflow_id = ? ORDER BY seq ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var r Record
		var taskID, from, to, detail sql.NullString
		var ts string
		if err := rows.Scan(&r.Seq, &r.WorkflowID, &taskID, &r.Event, &from, &to, &detail, &ts, &r.PrevHash, &r.Signature); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		r.TaskID = taskID.String
		r.From = from.String
		r.To = to.String
		r.Detail = detail.String
		r.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return records, nil
}

// Verify implements Log.
func (l *SQLiteLog) Verify(ctx context.Context, workflowID string) error {
	records, err := l.List(ctx, workflowID)
	if err != nil {
		return err
	}
	return verifyChain(l.signer, records)
}

// Close implements Log.
func (l *SQLiteLog) Close() error { return l.db.Close() }
