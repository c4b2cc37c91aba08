package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/swarmlite/swarmlite/swarm/audit"
)

// MySQLStore is a MySQL-backed Store for deployments where the state
// database is shared infrastructure rather than a local file. Selected by
// pointing DATABASE_URL at a mysql:// DSN.
//
// The row semantics are identical to SQLiteStore; only the dialect
// differs.
type MySQLStore struct {
	db    *sql.DB
	codec codec
}

// NewMySQLStore connects with a go-sql-driver DSN, e.g.
// "user:pass@tcp(localhost:3306)/swarmlite?parseTime=false".
func NewMySQLStore(dsn string, signer *audit.Signer, cipher *Cipher) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db, codec: codec{signer: signer, cipher: cipher}}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	workflows := `
		CREATE TABLE IF NOT EXISTS workflows (
			workflow_id VARCHAR(255) PRIMARY KEY,
			definition_blob MEDIUMTEXT NOT NULL,
			status VARCHAR(32) NOT NULL,
			idempotency_key VARCHAR(255),
			sensitive TINYINT(1) NOT NULL DEFAULT 0,
			created_at VARCHAR(64) NOT NULL,
			updated_at VARCHAR(64) NOT NULL,
			signature CHAR(64) NOT NULL,
			INDEX idx_workflows_status (status)
		)
	`
	if _, err := s.db.ExecContext(ctx, workflows); err != nil {
		return fmt.Errorf("create workflows table: %w", err)
	}

	tasks := `
		CREATE TABLE IF NOT EXISTS tasks (
			workflow_id VARCHAR(255) NOT NULL,
			task_id VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			attempt INT NOT NULL DEFAULT 0,
			last_error TEXT,
			classification VARCHAR(16) NOT NULL DEFAULT 'public',
			started_at VARCHAR(64),
			finished_at VARCHAR(64),
			signature CHAR(64) NOT NULL,
			PRIMARY KEY (workflow_id, task_id)
		)
	`
	if _, err := s.db.ExecContext(ctx, tasks); err != nil {
		return fmt.Errorf("create tasks table: %w", err)
	}
	return nil
}

// PutWorkflow implements Store.
func (s *MySQLStore) PutWorkflow(ctx context.Context, row WorkflowRow) error {
	def, err := s.codec.signWorkflow(&row)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (workflow_id, definition_blob, status, idempotency_key, sensitive, created_at, updated_at, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			definition_blob = VALUES(definition_blob),
			status = VALUES(status),
			idempotency_key = VALUES(idempotency_key),
			sensitive = VALUES(sensitive),
			updated_at = VALUES(updated_at),
			signature = VALUES(signature)`,
		row.WorkflowID, def, row.Status, row.IdempotencyKey, boolToInt(row.Sensitive),
		formatTime(row.CreatedAt), formatTime(row.UpdatedAt), row.Signature,
	)
	if err != nil {
		return fmt.Errorf("put workflow: %w", err)
	}
	return nil
}

// GetWorkflow implements Store.
func (s *MySQLStore) GetWorkflow(ctx context.Context, workflowID string) (WorkflowRow, error) {
	row, def, err := scanMySQLWorkflow(s.db.QueryRowContext(ctx,
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
func (s *MySQLStore) ListInFlight(ctx context.Context) ([]WorkflowRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, definition_blob, status, idempotency_key, sensitive, created_at, updated_at, signature
		 FROM workflows WHERE status = 'RUNNING' ORDER BY workflow_id`)
	if err != nil {
		return nil, fmt.Errorf("list in-flight workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []WorkflowRow
	for rows.Next() {
		row, def, err := scanMySQLWorkflow(rows)
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

func scanMySQLWorkflow(sc rowScanner) (WorkflowRow, string, error) {
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
func (s *MySQLStore) PutTask(ctx context.Context, row TaskRow) error {
	lastError, err := s.codec.signTask(&row)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (workflow_id, task_id, status, attempt, last_error, classification, started_at, finished_at, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			attempt = VALUES(attempt),
			last_error = VALUES(last_error),
			classification = VALUES(classification),
			started_at = VALUES(started_at),
			finished_at = VALUES(finished_at),
			signature = VALUES(signature)`,
		row.WorkflowID, row.TaskID, row.Status, row.Attempt, lastError, row.Classification,
		formatTime(row.StartedAt), formatTime(row.FinishedAt), row.Signature,
	)
	if err != nil {
		return fmt.Errorf("put task: %w", err)
	}
	return nil
}

// GetTask implements Store.
func (s *MySQLStore) GetTask(ctx context.Context, workflowID, taskID string) (TaskRow, error) {
	row, lastError, err := scanMySQLTask(s.db.QueryRowContext(ctx,
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
func (s *MySQLStore) ListTasks(ctx context.Context, workflowID string) ([]TaskRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, task_id, status, attempt, last_error, classification, started_at, finished_at, signature
		 FROM tasks WHERE workflow_id = ? ORDER BY task_id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TaskRow
	for rows.Next() {
		row, lastError, err := scanMySQLTask(rows)
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

func scanMySQLTask(sc rowScanner) (TaskRow, string, error) {
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

// CASTaskStatus implements Store.
func (s *MySQLStore) CASTaskStatus(ctx context.Context, row TaskRow, expected string) (bool, error) {
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
func (s *MySQLStore) Close() error { return s.db.Close() }
