package merge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/riftsync/ldb/internal/adapter"
	"github.com/riftsync/ldb/internal/dirtyrow"
	"github.com/riftsync/ldb/internal/hlc"
	"github.com/riftsync/ldb/internal/model"
	"github.com/riftsync/ldb/internal/schema"
	"github.com/riftsync/ldb/internal/stream"
)

func newTestEnv(t *testing.T, table model.TableDef) (*adapter.Adapter, context.Context, *Engine) {
	t.Helper()
	ctx := context.Background()
	a, err := adapter.Open(ctx, filepath.Join(t.TempDir(), "merge-test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	if _, err := schema.New(nil).Reconcile(ctx, a, model.Schema{Tables: []model.TableDef{table}}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	clock := hlc.New("n-merge", hlc.WithWallClock(func() time.Time { return time.UnixMilli(0) }))
	mgr := stream.NewManager(nil)
	t.Cleanup(mgr.Dispose)
	return a, ctx, New(clock, mgr, nil)
}

func usersTable() model.TableDef {
	return model.TableDef{
		Name: "users",
		Columns: []model.ColumnDef{
			{Name: "name", Type: model.TypeText, IsLWW: true},
			{Name: "email", Type: model.TypeText, IsLWW: true, Nullable: true},
		},
	}
}

func seedLocalRow(t *testing.T, ctx context.Context, a *adapter.Adapter, sid, name, nameHLC, email, emailHLC string) {
	t.Helper()
	_, err := a.Exec(ctx, `
INSERT INTO users(system_id, system_created_at, system_version, system_is_local_origin, name, name__hlc, email, email__hlc)
VALUES (?, ?, ?, 1, ?, ?, ?, ?)
`, sid, nameHLC, nameHLC, name, nameHLC, email, emailHLC)
	if err != nil {
		t.Fatalf("seed local row: %v", err)
	}
}

// Scenario B: per-column LWW — server wins on name (newer HLC), local wins
// on email (server HLC older than local's).
func TestBulkLoadPerColumnLWW(t *testing.T) {
	a, ctx, eng := newTestEnv(t, usersTable())
	seedLocalRow(t, ctx, a, "sid-1", "A", "100:0:N1", "a@x", "100:0:N1")

	rows := []map[string]any{
		{
			"system_id":      "sid-1",
			"system_version": "200:0:N2",
			"name":           "B",
			"name__hlc":      "200:0:N2",
			"email":          "a@x",
			"email__hlc":     "50:0:N2",
		},
	}
	result, err := eng.BulkLoad(ctx, a, usersTable(), rows, ThrowException)
	if err != nil {
		t.Fatalf("bulkload: %v", err)
	}
	if result.Updated != 1 {
		t.Fatalf("expected 1 update, got %+v", result)
	}

	stmt, _ := a.Prepare(ctx, `SELECT name, name__hlc, email, email__hlc FROM users WHERE system_id = ?`)
	row, err := stmt.Get(ctx, "sid-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row["name"] != "B" {
		t.Fatalf("expected server to win on name, got %v", row["name"])
	}
	if row["name__hlc"] != "200:0:N2" {
		t.Fatalf("expected name__hlc updated to server hlc, got %v", row["name__hlc"])
	}
	if row["email"] != "a@x" {
		t.Fatalf("expected local to win on email (server hlc older), got %v", row["email"])
	}
	if row["email__hlc"] != "100:0:N1" {
		t.Fatalf("expected email__hlc to remain local, got %v", row["email__hlc"])
	}
}

// Scenario C: dirty reconciliation — DirtyRow is cleared when the incoming
// system_version dominates it, retained otherwise.
func TestBulkLoadDirtyReconciliation(t *testing.T) {
	a, ctx, eng := newTestEnv(t, usersTable())
	seedLocalRow(t, ctx, a, "sid-1", "A", "100:0:N1", "a@x", "100:0:N1")

	dirtyEntry := dirtyrow.Entry{Table: "users", RowID: "sid-1", HLC: mustParse(t, "150:0:N1"), IsFullRow: false}
	if err := dirtyrow.MarkDirty(ctx, a.DB(), dirtyEntry); err != nil {
		t.Fatalf("mark dirty: %v", err)
	}

	rows := []map[string]any{
		{"system_id": "sid-1", "system_version": "160:0:N2", "name": "A", "name__hlc": "100:0:N1"},
	}
	if _, err := eng.BulkLoad(ctx, a, usersTable(), rows, ThrowException); err != nil {
		t.Fatalf("bulkload: %v", err)
	}
	got, err := dirtyrow.GetDirtyRow(ctx, a.DB(), "users", "sid-1")
	if err != nil {
		t.Fatalf("get dirty: %v", err)
	}
	if got != nil {
		t.Fatalf("expected dirty entry cleared, got %+v", got)
	}
}

func TestBulkLoadDirtyRetainedWhenNotDominated(t *testing.T) {
	a, ctx, eng := newTestEnv(t, usersTable())
	seedLocalRow(t, ctx, a, "sid-1", "A", "100:0:N1", "a@x", "100:0:N1")

	dirtyEntry := dirtyrow.Entry{Table: "users", RowID: "sid-1", HLC: mustParse(t, "150:0:N1"), IsFullRow: false}
	if err := dirtyrow.MarkDirty(ctx, a.DB(), dirtyEntry); err != nil {
		t.Fatalf("mark dirty: %v", err)
	}

	rows := []map[string]any{
		{"system_id": "sid-1", "system_version": "140:0:N2", "name": "A", "name__hlc": "100:0:N1"},
	}
	if _, err := eng.BulkLoad(ctx, a, usersTable(), rows, ThrowException); err != nil {
		t.Fatalf("bulkload: %v", err)
	}
	got, err := dirtyrow.GetDirtyRow(ctx, a.DB(), "users", "sid-1")
	if err != nil {
		t.Fatalf("get dirty: %v", err)
	}
	if got == nil {
		t.Fatal("expected dirty entry retained, server version did not dominate")
	}
}

// Scenario D: constraint violation with Skip policy — first row inserted,
// second skipped, no error, dirty rows unaffected.
func TestBulkLoadSkipPolicyOnConstraintViolation(t *testing.T) {
	table := model.TableDef{
		Name: "widgets",
		Columns: []model.ColumnDef{
			{Name: "code", Type: model.TypeText},
		},
		Keys: []model.KeyDef{
			{Name: "widgets_code_unique", Kind: model.KeyUnique, Columns: []model.IndexedColumn{{Name: "code"}}},
		},
	}
	a, ctx, eng := newTestEnv(t, table)

	rows := []map[string]any{
		{"system_id": "sid-1", "code": "dup"},
		{"system_id": "sid-2", "code": "dup"},
	}
	result, err := eng.BulkLoad(ctx, a, table, rows, Skip)
	if err != nil {
		t.Fatalf("bulkload: %v", err)
	}
	if result.Inserted != 1 || result.Skipped != 1 {
		t.Fatalf("expected 1 inserted, 1 skipped, got %+v", result)
	}

	stmt, _ := a.Prepare(ctx, `SELECT COUNT(*) AS n FROM widgets`)
	row, err := stmt.Get(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n, _ := row["n"].(int64); n != 1 {
		t.Fatalf("expected 1 row inserted, got %v", row["n"])
	}

	dirty, err := dirtyrow.Drain(ctx, a.DB(), 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(dirty) != 0 {
		t.Fatalf("expected dirty rows unaffected (none queued), got %+v", dirty)
	}
}

func TestBulkLoadInsertDoesNotMarkDirty(t *testing.T) {
	a, ctx, eng := newTestEnv(t, usersTable())
	rows := []map[string]any{
		{"system_id": "sid-new", "name": "Fresh"},
	}
	if _, err := eng.BulkLoad(ctx, a, usersTable(), rows, ThrowException); err != nil {
		t.Fatalf("bulkload: %v", err)
	}
	got, err := dirtyrow.GetDirtyRow(ctx, a.DB(), "users", "sid-new")
	if err != nil {
		t.Fatalf("get dirty: %v", err)
	}
	if got != nil {
		t.Fatalf("expected server-origin insert to produce no dirty row, got %+v", got)
	}
}

// Scenario: a server row's HLC is far ahead of this node's physical clock.
// BulkLoad must fold it into the node's clock via Observe so that every
// local write issued afterward still sorts after it.
func TestBulkLoadObservesRemoteHLCAheadOfLocalClock(t *testing.T) {
	a, ctx, eng := newTestEnv(t, usersTable())
	far := "999999999:0:N2"
	rows := []map[string]any{
		{"system_id": "sid-1", "system_version": far, "name": "A", "name__hlc": far},
	}
	if _, err := eng.BulkLoad(ctx, a, usersTable(), rows, ThrowException); err != nil {
		t.Fatalf("bulkload: %v", err)
	}

	remote := mustParse(t, far)
	next := eng.clock.Now()
	if hlc.Compare(next, remote) <= 0 {
		t.Fatalf("expected local clock to have observed and advanced past the remote HLC, got %s vs remote %s", next, remote)
	}
}

func mustParse(t *testing.T, s string) hlc.Timestamp {
	t.Helper()
	ts, err := hlc.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}
