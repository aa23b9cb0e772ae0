package schema

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/riftsync/ldb/internal/adapter"
	"github.com/riftsync/ldb/internal/ldberr"
	"github.com/riftsync/ldb/internal/model"
)

func newTestAdapter(t *testing.T) (*adapter.Adapter, context.Context) {
	t.Helper()
	ctx := context.Background()
	a, err := adapter.Open(ctx, filepath.Join(t.TempDir(), "schema-test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, ctx
}

func usersTable(withEmail bool) model.TableDef {
	cols := []model.ColumnDef{
		{Name: "name", Type: model.TypeText, IsLWW: true},
	}
	if withEmail {
		cols = append(cols, model.ColumnDef{Name: "email", Type: model.TypeText, Nullable: true})
	}
	return model.TableDef{
		Name:    "users",
		Columns: cols,
		Keys: []model.KeyDef{
			{Name: "users_name_idx", Kind: model.KeyIndex, Columns: []model.IndexedColumn{{Name: "name"}}},
		},
	}
}

func TestReconcileCreatesTableWithSystemAndShadowColumns(t *testing.T) {
	a, ctx := newTestAdapter(t)
	s := model.Schema{Tables: []model.TableDef{usersTable(false)}}

	warnings, err := New(nil).Reconcile(ctx, a, s)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no drift warnings, got %+v", warnings)
	}

	cols, err := introspectTable(ctx, a.DB(), "users")
	if err != nil {
		t.Fatalf("introspect: %v", err)
	}
	for _, want := range []string{"name", "name__hlc", model.ColSystemID, model.ColSystemCreatedAt, model.ColSystemVersion, model.ColSystemIsLocal} {
		if _, ok := cols[want]; !ok {
			t.Errorf("expected column %s to exist, got %+v", want, cols)
		}
	}
}

func TestReconcileAddsMissingColumnPreservingData(t *testing.T) {
	a, ctx := newTestAdapter(t)

	if _, err := New(nil).Reconcile(ctx, a, model.Schema{Tables: []model.TableDef{usersTable(false)}}); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	if _, err := a.Exec(ctx, `INSERT INTO users(name, name__hlc, system_id, system_created_at, system_version, system_is_local_origin) VALUES ('Alice', '1:0:n1', 'sid-1', '1:0:n1', '1:0:n1', 1)`); err != nil {
		t.Fatalf("seed row: %v", err)
	}

	warnings, err := New(nil).Reconcile(ctx, a, model.Schema{Tables: []model.TableDef{usersTable(true)}})
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no drift warnings, got %+v", warnings)
	}

	cols, err := introspectTable(ctx, a.DB(), "users")
	if err != nil {
		t.Fatalf("introspect: %v", err)
	}
	if _, ok := cols["email"]; !ok {
		t.Fatal("expected email column to be added")
	}
	if _, ok := cols["email__hlc"]; ok {
		t.Fatal("email is not LWW; expected no shadow column")
	}

	stmt, err := a.Prepare(ctx, `SELECT name FROM users WHERE system_id = ?`)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	row, err := stmt.Get(ctx, "sid-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row == nil || row["name"] != "Alice" {
		t.Fatalf("expected existing row preserved, got %+v", row)
	}
}

func TestReconcileRetrofitsSystemColumnsOntoPreexistingTable(t *testing.T) {
	a, ctx := newTestAdapter(t)
	if _, err := a.Exec(ctx, `CREATE TABLE users (name TEXT NOT NULL)`); err != nil {
		t.Fatalf("seed bare table: %v", err)
	}
	if _, err := a.Exec(ctx, `INSERT INTO users(name) VALUES ('Alice')`); err != nil {
		t.Fatalf("seed row: %v", err)
	}

	s := model.Schema{Tables: []model.TableDef{usersTable(false)}}
	warnings, err := New(nil).Reconcile(ctx, a, s)
	if err != nil {
		t.Fatalf("expected retrofitting NOT NULL system columns via their defaults to succeed, got: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no drift warnings, got %+v", warnings)
	}

	cols, err := introspectTable(ctx, a.DB(), "users")
	if err != nil {
		t.Fatalf("introspect: %v", err)
	}
	for _, want := range []string{model.ColSystemID, model.ColSystemCreatedAt, model.ColSystemVersion, model.ColSystemIsLocal, "name__hlc"} {
		if _, ok := cols[want]; !ok {
			t.Errorf("expected retrofitted column %s, got %+v", want, cols)
		}
	}

	stmt, err := a.Prepare(ctx, `SELECT system_id FROM users WHERE name = ?`)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	row, err := stmt.Get(ctx, "Alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row == nil {
		t.Fatal("expected preexisting row to survive the retrofit")
	}
}

func TestReconcileErrorsOnIndexNameCollisionWithDifferentDefinition(t *testing.T) {
	a, ctx := newTestAdapter(t)
	s := model.Schema{Tables: []model.TableDef{usersTable(false)}}
	if _, err := New(nil).Reconcile(ctx, a, s); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}

	if _, err := a.Exec(ctx, `DROP INDEX users_name_idx`); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	if _, err := a.Exec(ctx, `CREATE INDEX users_name_idx ON users(system_id)`); err != nil {
		t.Fatalf("recreate index with a different definition: %v", err)
	}

	_, err := New(nil).Reconcile(ctx, a, s)
	if err == nil {
		t.Fatal("expected reconcile to fail on index name collision with a different definition")
	}
	if kind, ok := ldberr.KindOf(err); !ok || kind != ldberr.SchemaMigration {
		t.Fatalf("expected SchemaMigration error kind, got %v ok=%v", kind, ok)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	a, ctx := newTestAdapter(t)
	s := model.Schema{Tables: []model.TableDef{usersTable(true)}}
	if _, err := New(nil).Reconcile(ctx, a, s); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	if _, err := New(nil).Reconcile(ctx, a, s); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
}
