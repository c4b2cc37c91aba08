package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/swarmlite/swarmlite/swarm/audit"
	"github.com/swarmlite/swarmlite/swarm/store"
)

func newSigner(t *testing.T) *audit.Signer {
	t.Helper()
	s, err := audit.NewSigner([]byte(strings.Repeat("s", audit.MinKeyLen)))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newCipher(t *testing.T) *store.Cipher {
	t.Helper()
	c, err := store.NewCipher([]byte(strings.Repeat("e", 32)))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// backends runs a subtest against every Store implementation.
func backends(t *testing.T, fn func(t *testing.T, s store.Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, store.NewMemStore(newSigner(t), newCipher(t)))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"), newSigner(t), newCipher(t))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func sampleWorkflow(id string) store.WorkflowRow {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return store.WorkflowRow{
		WorkflowID:     id,
		Definition:     []byte(`{"workflow_id":"` + id + `"}`),
		Status:         "RUNNING",
		IdempotencyKey: "key-1",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func sampleTask(workflowID, taskID, status string) store.TaskRow {
	return store.TaskRow{
		WorkflowID:     workflowID,
		TaskID:         taskID,
		Status:         status,
		Attempt:        1,
		Classification: "public",
		StartedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestWorkflowRoundTrip(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		in := sampleWorkflow("wf")
		if err := s.PutWorkflow(ctx, in); err != nil {
			t.Fatalf("PutWorkflow: %v", err)
		}
		out, err := s.GetWorkflow(ctx, "wf")
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		if string(out.Definition) != string(in.Definition) {
			t.Errorf("Definition = %q, want %q", out.Definition, in.Definition)
		}
		if out.Status != in.Status || out.IdempotencyKey != in.IdempotencyKey {
			t.Errorf("row = %+v", out)
		}
		if out.Signature == "" {
			t.Error("stored row should carry a signature")
		}

		// Replace updates in place.
		in.Status = "SUCCESS"
		if err := s.PutWorkflow(ctx, in); err != nil {
			t.Fatal(err)
		}
		out, err = s.GetWorkflow(ctx, "wf")
		if err != nil {
			t.Fatal(err)
		}
		if out.Status != "SUCCESS" {
			t.Errorf("Status after replace = %s", out.Status)
		}

		if _, err := s.GetWorkflow(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("GetWorkflow(ghost) = %v, want ErrNotFound", err)
		}
	})
}

func TestTaskRoundTrip(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		in := sampleTask("wf", "a", "PENDING")
		in.LastError = "previous attempt exploded"
		if err := s.PutTask(ctx, in); err != nil {
			t.Fatalf("PutTask: %v", err)
		}
		out, err := s.GetTask(ctx, "wf", "a")
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if out.Status != "PENDING" || out.Attempt != 1 || out.LastError != in.LastError {
			t.Errorf("row = %+v", out)
		}
		if _, err := s.GetTask(ctx, "wf", "ghost"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("GetTask(ghost) = %v, want ErrNotFound", err)
		}
	})
}

func TestSensitiveFieldsRoundTrip(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		in := sampleTask("wf", "a", "FAILED")
		in.Classification = "phi"
		in.LastError = "patient record 12345 rejected"
		if err := s.PutTask(ctx, in); err != nil {
			t.Fatalf("PutTask: %v", err)
		}
		out, err := s.GetTask(ctx, "wf", "a")
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if out.LastError != in.LastError {
			t.Errorf("LastError = %q, want decrypted plaintext", out.LastError)
		}

		win := sampleWorkflow("sens")
		win.Sensitive = true
		if err := s.PutWorkflow(ctx, win); err != nil {
			t.Fatal(err)
		}
		wout, err := s.GetWorkflow(ctx, "sens")
		if err != nil {
			t.Fatal(err)
		}
		if string(wout.Definition) != string(win.Definition) {
			t.Errorf("Definition = %q, want decrypted plaintext", wout.Definition)
		}
	})
}

func TestListInFlight(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		for _, wf := range []struct{ id, status string }{
			{"b-running", "RUNNING"},
			{"a-running", "RUNNING"},
			{"done", "SUCCESS"},
			{"dead", "FAILED"},
		} {
			row := sampleWorkflow(wf.id)
			row.Status = wf.status
			if err := s.PutWorkflow(ctx, row); err != nil {
				t.Fatal(err)
			}
		}
		rows, err := s.ListInFlight(ctx)
		if err != nil {
			t.Fatalf("ListInFlight: %v", err)
		}
		if len(rows) != 2 || rows[0].WorkflowID != "a-running" || rows[1].WorkflowID != "b-running" {
			ids := make([]string, len(rows))
			for i, r := range rows {
				ids[i] = r.WorkflowID
			}
			t.Errorf("ListInFlight = %v, want [a-running b-running]", ids)
		}
	})
}

func TestListTasksOrder(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		for _, id := range []string{"c", "a", "b"} {
			if err := s.PutTask(ctx, sampleTask("wf", id, "PENDING")); err != nil {
				t.Fatal(err)
			}
		}
		rows, err := s.ListTasks(ctx, "wf")
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) != 3 || rows[0].TaskID != "a" || rows[1].TaskID != "b" || rows[2].TaskID != "c" {
			t.Errorf("ListTasks order wrong: %+v", rows)
		}
		if rows, _ := s.ListTasks(ctx, "absent"); len(rows) != 0 {
			t.Errorf("ListTasks(absent) = %d rows", len(rows))
		}
	})
}

func TestCASTaskStatus(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		if err := s.PutTask(ctx, sampleTask("wf", "a", "READY")); err != nil {
			t.Fatal(err)
		}

		next := sampleTask("wf", "a", "RUNNING")
		won, err := s.CASTaskStatus(ctx, next, "READY")
		if err != nil {
			t.Fatalf("CASTaskStatus: %v", err)
		}
		if !won {
			t.Fatal("CAS from the stored status should win")
		}
		out, err := s.GetTask(ctx, "wf", "a")
		if err != nil {
			t.Fatal(err)
		}
		if out.Status != "RUNNING" {
			t.Errorf("Status = %s after winning CAS", out.Status)
		}

		// Stale expectation loses and changes nothing.
		stale := sampleTask("wf", "a", "SUCCESS")
		won, err = s.CASTaskStatus(ctx, stale, "READY")
		if err != nil {
			t.Fatal(err)
		}
		if won {
			t.Error("CAS with stale expected status must lose")
		}
		out, _ = s.GetTask(ctx, "wf", "a")
		if out.Status != "RUNNING" {
			t.Errorf("Status = %s, lost CAS must not write", out.Status)
		}
	})
}

func TestTamperedRowFailsVerification(t *testing.T) {
	s := store.NewMemStore(newSigner(t), nil)
	ctx := context.Background()
	if err := s.PutTask(ctx, sampleTask("wf", "a", "SUCCESS")); err != nil {
		t.Fatal(err)
	}
	s.TamperTask("wf", "a", func(r *store.TaskRow) { r.Status = "FAILED" })

	if _, err := s.GetTask(ctx, "wf", "a"); !errors.Is(err, store.ErrSignatureMismatch) {
		t.Errorf("GetTask = %v, want ErrSignatureMismatch", err)
	}
	if _, err := s.ListTasks(ctx, "wf"); !errors.Is(err, store.ErrSignatureMismatch) {
		t.Errorf("ListTasks = %v, want ErrSignatureMismatch", err)
	}
}

func TestCipher(t *testing.T) {
	c := newCipher(t)

	t.Run("round trip", func(t *testing.T) {
		sealed, err := c.Encrypt([]byte("sensitive payload"))
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(sealed, "sensitive") {
			t.Error("ciphertext leaks plaintext")
		}
		plain, err := c.Decrypt(sealed)
		if err != nil {
			t.Fatal(err)
		}
		if string(plain) != "sensitive payload" {
			t.Errorf("Decrypt = %q", plain)
		}
	})

	t.Run("nonces differ", func(t *testing.T) {
		a, _ := c.Encrypt([]byte("x"))
		b, _ := c.Encrypt([]byte("x"))
		if a == b {
			t.Error("two encryptions of the same plaintext must differ")
		}
	})

	t.Run("tampered ciphertext fails", func(t *testing.T) {
		sealed, _ := c.Encrypt([]byte("x"))
		broken := "A" + sealed[1:]
		if _, err := c.Decrypt(broken); err == nil {
			t.Error("altered ciphertext must not decrypt")
		}
	})

	t.Run("short key rejected", func(t *testing.T) {
		if _, err := store.NewCipher([]byte("short")); err == nil {
			t.Error("want error for short encryption key")
		}
	})
}

func TestOpen(t *testing.T) {
	signer := newSigner(t)

	t.Run("memory", func(t *testing.T) {
		s, err := store.Open("memory://", signer, nil)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if _, ok := s.(*store.MemStore); !ok {
			t.Errorf("Open(memory://) = %T", s)
		}
	})

	t.Run("sqlite", func(t *testing.T) {
		// Absolute path: sqlite:////abs/path, matching the extra slash
		// convention of database URLs.
		path := filepath.Join(t.TempDir(), "state.db")
		s, err := store.Open("sqlite:///"+path, signer, nil)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer func() { _ = s.Close() }()
		if _, ok := s.(*store.SQLiteStore); !ok {
			t.Errorf("Open(sqlite://...) = %T", s)
		}
	})

	t.Run("sqlite without path", func(t *testing.T) {
		if _, err := store.Open("sqlite://", signer, nil); err == nil {
			t.Error("want error for empty sqlite path")
		}
	})

	t.Run("unknown scheme", func(t *testing.T) {
		if _, err := store.Open("postgres://x", signer, nil); err == nil {
			t.Error("want error for unsupported scheme")
		}
	})
}
