package adapter

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestAdapter(t *testing.T) (*Adapter, context.Context) {
	t.Helper()
	ctx := context.Background()
	a, err := Open(ctx, filepath.Join(t.TempDir(), "ldb-test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, ctx
}

func TestOpenCloseIsOpen(t *testing.T) {
	a, _ := newTestAdapter(t)
	if !a.IsOpen() {
		t.Fatal("expected IsOpen true after Open")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestExecAndPrepareRunGetAll(t *testing.T) {
	a, ctx := newTestAdapter(t)
	if _, err := a.Exec(ctx, `CREATE TABLE widgets(id TEXT PRIMARY KEY, qty INTEGER)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	insert, err := a.Prepare(ctx, `INSERT INTO widgets(id, qty) VALUES (?, ?)`)
	if err != nil {
		t.Fatalf("prepare insert: %v", err)
	}
	if _, err := insert.Run(ctx, "w1", 3); err != nil {
		t.Fatalf("run insert: %v", err)
	}
	if _, err := insert.Run(ctx, "w2", 7); err != nil {
		t.Fatalf("run insert 2: %v", err)
	}

	get, err := a.Prepare(ctx, `SELECT id, qty FROM widgets WHERE id = ?`)
	if err != nil {
		t.Fatalf("prepare get: %v", err)
	}
	row, err := get.Get(ctx, "w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row == nil || row["id"] != "w1" {
		t.Fatalf("unexpected row: %+v", row)
	}

	all, err := a.Prepare(ctx, `SELECT id, qty FROM widgets ORDER BY id`)
	if err != nil {
		t.Fatalf("prepare all: %v", err)
	}
	rows, err := all.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
}

func TestTransactionCommitsOnSuccess(t *testing.T) {
	a, ctx := newTestAdapter(t)
	if _, err := a.Exec(ctx, `CREATE TABLE t(id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := a.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO t(id) VALUES ('a')`)
		return err
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	stmt, _ := a.Prepare(ctx, `SELECT id FROM t`)
	rows, err := stmt.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row committed, got %d", len(rows))
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	a, ctx := newTestAdapter(t)
	if _, err := a.Exec(ctx, `CREATE TABLE t(id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	sentinel := errors.New("boom")
	err := a.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO t(id) VALUES ('a')`); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	stmt, _ := a.Prepare(ctx, `SELECT id FROM t`)
	rows, err := stmt.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected rollback to leave no rows, got %d", len(rows))
	}
}

func TestExportAndReopen(t *testing.T) {
	a, ctx := newTestAdapter(t)
	if _, err := a.Exec(ctx, `CREATE TABLE t(id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := a.Exec(ctx, `INSERT INTO t(id) VALUES ('a'), ('b')`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	data, err := a.ExportDatabase()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty export")
	}

	reopened, err := OpenFromBytes(ctx, filepath.Join(t.TempDir(), "reopened.db"), data)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	stmt, err := reopened.Prepare(ctx, `SELECT id FROM t ORDER BY id`)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	rows, err := stmt.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows after reopen, got %d", len(rows))
	}
}
