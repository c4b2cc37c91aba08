package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/swarmlite/swarmlite/swarm/audit"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file Store backend. WAL mode gives concurrent
// readers, synchronous=FULL gives the durable-write barrier the scheduler
// relies on: Put and CAS return only after the row is on disk.
type SQLiteStore struct {
	db    *sql.DB
	codec codec
}

// NewSQLiteStore opens (or creates) the state database at path. Pass
// ":memory:" for tests. The cipher may be nil when no workflow uses a
// non-public classification.
func NewSQLiteStore(path string, signer *audit.Signer, cipher *Cipher) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure state db: %w", err)
		}
	}

	s := &SQLiteStore{db: db, codec: codec{signer: signer, cipher: cipher}}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	workflows := `
		CREATE TABLE IF NOT EXISTS workflows (
			workflow_id TEXT PRIMARY KEY,
			definition_blob TEXT NOT NULL,
			status TEXT NOT NULL,
			idempotency_key TEXT,
			sensitive INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			signature TEXT NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, workflows); err != nil {
		return fmt.Errorf("create workflows table: %w", err)
	}

	tasks := `
		CREATE TABLE IF NOT EXISTS tasks (
			workflow_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			classification TEXT NOT NULL DEFAULT 'public',
			started_at TEXT,
			finished_at TEXT,
			signature TEXT NOT NULL,
			PRIMARY KEY (workflow_id, task_id)
		)
	`
	if _, err := s.db.ExecContext(ctx, tasks); err != nil {
		return fmt.Errorf("create tasks table: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)"); err != nil {
		return fmt.Errorf("create workflow status index: %w", err)
	}
	return nil
}

// PutWorkflow implements Store.
func (s *SQLiteStore) PutWorkflow(ctx context.Context, row WorkflowRow) error {
	def, err := s.codec.signWorkflow(&row)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (workflow_id, definition_blob, status, idempotency_key, sensitive, created_at, updated_at, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET
			definition_blob = excluded.definition_blob,
			status = excluded.status,
			idempotency_key = excluded.idempotency_key,
			sensitive = excluded.sensitive,
			updated_at = excluded.updated_at,
			signature = excluded.signature`,
		row.WorkflowID, def, row.Status, row.IdempotencyKey, boolToInt(row.Sensitive),
		formatTime(row.CreatedAt), formatTime(row.UpdatedAt), row.Signature,
	)
	if err != nil {
		return fmt.Errorf("put workflow: %w", err)
	}
	return nil
}

// GetWorkflow implements Store.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, workflowID string) (WorkflowRow, error) {
	row, def, err := s.scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT workflow_id, definition_blob, status, idempotency_key, sensitive, created_at, updated_at, signature
		 FROM workflows WHERE workflow_id = ?`, workflowID))
	if err == sql.ErrNoRows {
		return WorkflowRow{}, ErrNotFound
	}
	if err != nil {
		return WorkflowRow{}, fmt.Errorf("get workflow: %w", err)
	}
	if err := s.codec.verifyWorkflow(&row, def); err != nil {
		return WorkflowRow{}, err
	}
	return row, nil
}

// ListInFlight implements Store.
func (s *SQLiteStore) ListInFlight(ctx context.Context) ([]WorkflowRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, definition_blob, status, idempotency_key, sensitive, created_at, updated_at, signature
		 FROM workflows WHERE status = 'RUNNING' ORDER BY workflow_id`)
	if err != nil {
		return nil, fmt.Errorf("list in-flight workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []WorkflowRow
	for rows.Next() {
		row, def, err := s.scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		if err := s.codec.verifyWorkflow(&row, def); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanWorkflow(sc rowScanner) (WorkflowRow, string, error) {
	var row WorkflowRow
	var def, created, updated string
	var idemKey sql.NullString
	var sensitive int
	err := sc.Scan(&row.WorkflowID, &def, &row.Status, &idemKey, &sensitive, &created, &updated, &row.Signature)
	if err != nil {
		return WorkflowRow{}, "", err
	}
	row.IdempotencyKey = idemKey.String
	row.Sensitive = sensitive != 0
	if row.CreatedAt, err = parseTime(created); err != nil {
		return WorkflowRow{}, "", err
	}
	if row.UpdatedAt, err = parseTime(updated); err != nil {
		return WorkflowRow{}, "", err
	}
	return row, def, nil
}

// PutTask implements Store.
func (s *SQLiteStore) PutTask(ctx context.Context, row TaskRow) error {
	lastError, err := s.codec.signTask(&row)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (workflow_id, task_id, status, attempt, last_error, classification, started_at, finished_at, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id, task_id) DO UPDATE SET
			status = excluded.status,
			attempt = excluded.attempt,
			last_error = excluded.last_error,
			classification = excluded.classification,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			signature = excluded.signature`,
		row.WorkflowID, row.TaskID, row.Status, row.Attempt, lastError, row.Classification,
		formatTime(row.StartedAt), formatTime(row.FinishedAt), row.Signature,
	)
	if err != nil {
		return fmt.Errorf("put task: %w", err)
	}
	return nil
}

// GetTask implements Store.
func (s *SQLiteStore) GetTask(ctx context.Context, workflowID, taskID string) (TaskRow, error) {
	row, lastError, err := s.scanTask(s.db.QueryRowContext(ctx,
		`SELECT workflow_id, task_id, status, attempt, last_error, classification, started_at, finished_at, signature
		 FROM tasks WHERE workflow_id = ? AND task_id = ?`, workflowID, taskID))
	if err == sql.ErrNoRows {
		return TaskRow{}, ErrNotFound
	}
	if err != nil {
		return TaskRow{}, fmt.Errorf("get task: %w", err)
	}
	if err := s.codec.verifyTask(&row, lastError); err != nil {
		return TaskRow{}, err
	}
	return row, nil
}

// ListTasks implements Store.
func (s *SQLiteStore) ListTasks(ctx context.Context, workflowID string) ([]TaskRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, task_id, status, attempt, last_error, classification, started_at, finished_at, signature
		 FROM tasks WHERE workflow_id = ? ORDER BY task_id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TaskRow
	for rows.Next() {
		row, lastError, err := s.scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if err := s.codec.verifyTask(&row, lastError); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) scanTask(sc rowScanner) (TaskRow, string, error) {
	var row TaskRow
	var lastError, started, finished sql.NullString
	err := sc.Scan(&row.WorkflowID, &row.TaskID, &row.Status, &row.Attempt,
		&lastError, &row.Classification, &started, &finished, &row.Signature)
	if err != nil {
		return TaskRow{}, "", err
	}
	if row.StartedAt, err = parseTime(started.String); err != nil {
		return TaskRow{}, "", err
	}
	if row.FinishedAt, err = parseTime(finished.String); err != nil {
		return TaskRow{}, "", err
	}
	return row, lastError.String, nil
}

// CASTaskStatus implements Store. The status guard in the WHERE clause
// makes the swap atomic at the row level.
func (s *SQLiteStore) CASTaskStatus(ctx context.Context, row TaskRow, expected string) (bool, error) {
	lastError, err := s.codec.signTask(&row)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?, attempt = ?, last_error = ?, started_at = ?, finished_at = ?, signature = ?
		WHERE workflow_id = ? AND task_id = ? AND status = ?`,
		row.Status, row.Attempt, lastError, formatTime(row.StartedAt), formatTime(row.FinishedAt), row.Signature,
		row.WorkflowID, row.TaskID, expected,
	)
	if err != nil {
		return false, fmt.Errorf("cas task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas task status: %w", err)
	}
	return n == 1, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
