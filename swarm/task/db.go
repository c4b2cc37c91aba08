package task

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

// DBHandler runs a parameterized statement against a SQL database:
//
//	config:
//	  query: "UPDATE accounts SET balance = balance - ? WHERE id = ?"
//	  args: [100, "acct-7"]
//
// SELECT queries return rows under "rows"; other statements return
// "rows_affected". Connection failures are transient; malformed config
// and SQL syntax errors are permanent.
type DBHandler struct {
	db *sql.DB
}

// NewDBHandler wraps an open database handle. The pool is shared; the
// handler never closes it.
func NewDBHandler(db *sql.DB) *DBHandler {
	return &DBHandler{db: db}
}

// OpenMySQL opens a MySQL-backed DBHandler from a DSN.
func OpenMySQL(dsn string) (*DBHandler, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	return &DBHandler{db: db}, nil
}

// Execute implements Handler.
func (h *DBHandler) Execute(ctx context.Context, inv Invocation) (map[string]any, error) {
	query, ok := inv.Config["query"].(string)
	if !ok || query == "" {
		return nil, Permanent("db task %s: missing query in config", inv.TaskID)
	}

	var args []any
	if raw, ok := inv.Config["args"].([]any); ok {
		args = raw
	}

	if isSelect(query) {
		return h.queryRows(ctx, inv, query, args)
	}

	res, err := h.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, classifyDBError(inv.TaskID, err)
	}
	affected, _ := res.RowsAffected()
	return map[string]any{"rows_affected": affected}, nil
}

func (h *DBHandler) queryRows(ctx context.Context, inv Invocation, query string, args []any) (map[string]any, error) {
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyDBError(inv.TaskID, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, classifyDBError(inv.TaskID, err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classifyDBError(inv.TaskID, err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyDBError(inv.TaskID, err)
	}
	return map[string]any{"rows": out, "count": len(out)}, nil
}

func isSelect(query string) bool {
	q := strings.ToUpper(strings.TrimSpace(query))
	return strings.HasPrefix(q, "SELECT") || strings.HasPrefix(q, "SHOW")
}

func classifyDBError(taskID string, err error) error {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return Transient("db task %s: %v", taskID, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "try restarting transaction") {
		return Transient("db task %s: %v", taskID, err)
	}
	return Permanent("db task %s: %v", taskID, err)
}
