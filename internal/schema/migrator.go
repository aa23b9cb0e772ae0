// Package schema reconciles a declared model.Schema against the live SQLite
// catalog: creating missing tables, adding missing columns, and synthesizing
// the system and LWW-shadow columns the rest of the engine depends on. It
// never drops or renames anything (C3 in the design).
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/riftsync/ldb/internal/adapter"
	"github.com/riftsync/ldb/internal/dirtyrow"
	"github.com/riftsync/ldb/internal/ldberr"
	"github.com/riftsync/ldb/internal/model"
)

// DriftWarning reports a declared/live column whose storage class disagrees.
// The migrator does not auto-fix these; callers may log or surface them.
type DriftWarning struct {
	Table    string
	Column   string
	Declared string
	Live     string
}

func (w DriftWarning) String() string {
	return fmt.Sprintf("%s.%s: declared %s, live %s", w.Table, w.Column, w.Declared, w.Live)
}

// Migrator reconciles declared schemas against a live database, forward
// only, the way the original catalog-driven migration loop in this codebase
// always has: inspect, diff, ALTER, never DROP.
type Migrator struct {
	logger *log.Logger
}

// New returns a Migrator that logs reconciliation steps through logger. A
// nil logger falls back to the package-default charmbracelet logger.
func New(logger *log.Logger) *Migrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Migrator{logger: logger}
}

// Reconcile applies schema to the database behind a, creating or altering
// tables and indices as needed, and returns any drift warnings encountered.
// All DDL for one table runs inside a single transaction; a failure rolls
// back that table's changes and returns SchemaMigrationError.
func (m *Migrator) Reconcile(ctx context.Context, a *adapter.Adapter, s model.Schema) ([]DriftWarning, error) {
	var warnings []DriftWarning

	if err := a.Transaction(ctx, func(ctx context.Context, tx *adapter.Tx) error {
		if _, err := tx.Exec(ctx, dirtyrow.DDL); err != nil {
			return fmt.Errorf("create dirty-row store: %w", err)
		}
		return nil
	}); err != nil {
		return warnings, ldberr.SchemaMigrationf("reconcile", err)
	}

	for _, table := range s.Tables {
		tableWarnings, err := m.reconcileTable(ctx, a, table)
		warnings = append(warnings, tableWarnings...)
		if err != nil {
			return warnings, ldberr.SchemaMigrationf("reconcile "+table.Name, err)
		}
	}
	return warnings, nil
}

func (m *Migrator) reconcileTable(ctx context.Context, a *adapter.Adapter, table model.TableDef) ([]DriftWarning, error) {
	allColumns := synthesizedColumns(table)

	live, err := introspectTable(ctx, a.DB(), table.Name)
	if err != nil {
		return nil, fmt.Errorf("introspect %s: %w", table.Name, err)
	}

	var warnings []DriftWarning
	err = a.Transaction(ctx, func(ctx context.Context, tx *adapter.Tx) error {
		if live == nil {
			m.logger.Info("creating table", "table", table.Name)
			if err := createTable(ctx, tx, table.Name, allColumns); err != nil {
				return fmt.Errorf("create table: %w", err)
			}
			if err := createKeys(ctx, tx, table.Name, table.Keys); err != nil {
				return fmt.Errorf("create keys: %w", err)
			}
			if err := createSystemIDIndex(ctx, tx, table.Name); err != nil {
				return fmt.Errorf("create system_id index: %w", err)
			}
			return nil
		}

		for _, col := range allColumns {
			liveCol, ok := live[col.Name]
			if !ok {
				m.logger.Info("adding column", "table", table.Name, "column", col.Name)
				if err := addColumn(ctx, tx, table.Name, col); err != nil {
					return fmt.Errorf("add column %s: %w", col.Name, err)
				}
				continue
			}
			declaredClass := col.Type.SQLiteStorageClass()
			if !strings.EqualFold(liveCol, declaredClass) {
				warnings = append(warnings, DriftWarning{
					Table:    table.Name,
					Column:   col.Name,
					Declared: declaredClass,
					Live:     liveCol,
				})
			}
		}

		if err := createKeys(ctx, tx, table.Name, table.Keys); err != nil {
			return fmt.Errorf("create keys: %w", err)
		}
		return createSystemIDIndex(ctx, tx, table.Name)
	})
	if err != nil {
		return warnings, err
	}
	return warnings, nil
}

// synthesizedColumns returns table's declared columns followed by the four
// system columns and one `<col>__hlc` shadow per LWW column, the full set
// the migrator is responsible for ensuring exists.
func synthesizedColumns(table model.TableDef) []model.ColumnDef {
	out := make([]model.ColumnDef, 0, len(table.Columns)+4+len(table.Columns))
	out = append(out, table.Columns...)
	out = append(out, model.SystemColumns()...)
	for _, col := range table.LWWColumns() {
		out = append(out, model.ColumnDef{
			Name:     col.ShadowColumn(),
			Type:     model.TypeText,
			Nullable: true,
		})
	}
	return out
}

func introspectTable(ctx context.Context, db *sql.DB, table string) (map[string]string, error) {
	var exists int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var (
			cid        int
			name, ctyp string
			notnull    int
			dflt       sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctyp, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = ctyp
	}
	return cols, rows.Err()
}

func createTable(ctx context.Context, tx *adapter.Tx, table string, columns []model.ColumnDef) error {
	defs := make([]string, 0, len(columns))
	for _, col := range columns {
		defs = append(defs, columnDDL(col))
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", quoteIdent(table), strings.Join(defs, ",\n\t"))
	_, err := tx.Exec(ctx, stmt)
	return err
}

func addColumn(ctx context.Context, tx *adapter.Tx, table string, col model.ColumnDef) error {
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", quoteIdent(table), columnDDL(col))
	_, err := tx.Exec(ctx, stmt)
	return err
}

func columnDDL(col model.ColumnDef) string {
	var b strings.Builder
	b.WriteString(quoteIdent(col.Name))
	b.WriteByte(' ')
	b.WriteString(col.Type.SQLiteStorageClass())
	if !col.Nullable {
		b.WriteString(" NOT NULL")
	}
	if col.Default != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(col.Default)
	}
	return b.String()
}

func createKeys(ctx context.Context, tx *adapter.Tx, table string, keys []model.KeyDef) error {
	for _, key := range keys {
		unique := key.Kind == model.KeyUnique || key.Kind == model.KeyPrimary
		if key.Kind != model.KeyIndex && !unique {
			continue
		}
		cols := make([]string, 0, len(key.Columns))
		for _, c := range key.Columns {
			dir := "ASC"
			if c.Desc {
				dir = "DESC"
			}
			cols = append(cols, fmt.Sprintf("%s %s", quoteIdent(c.Name), dir))
		}
		want := indexDefDDL(unique, key.Name, table, cols)

		live, ok, err := liveIndexSQL(ctx, tx, key.Name)
		if err != nil {
			return fmt.Errorf("inspect index %s: %w", key.Name, err)
		}
		if ok {
			if !indexDefsEquivalent(live, want) {
				return ldberr.SchemaMigrationf("create keys",
					fmt.Errorf("index %s already exists on table %s with a different definition than declared", key.Name, table))
			}
			continue
		}

		if _, err := tx.Exec(ctx, want); err != nil {
			return fmt.Errorf("index %s: %w", key.Name, err)
		}
	}
	return nil
}

// indexDefDDL builds the CREATE INDEX statement for a declared key, without
// IF NOT EXISTS: presence is checked explicitly by createKeys so that a
// same-named index with a different definition is caught instead of
// silently left in place.
func indexDefDDL(unique bool, name, table string, cols []string) string {
	kind := "INDEX"
	if unique {
		kind = "UNIQUE INDEX"
	}
	return fmt.Sprintf("CREATE %s %s ON %s(%s)", kind, quoteIdent(name), quoteIdent(table), strings.Join(cols, ", "))
}

// liveIndexSQL returns the SQL text SQLite recorded for an existing index
// named name, or ok=false if no such index exists.
func liveIndexSQL(ctx context.Context, tx *adapter.Tx, name string) (sqlText string, ok bool, err error) {
	row := tx.QueryRowContext(ctx, `SELECT sql FROM sqlite_master WHERE type='index' AND name = ?`, name)
	var text sql.NullString
	if err := row.Scan(&text); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return text.String, true, nil
}

// indexDefsEquivalent compares two CREATE INDEX statements for the same
// index ignoring "IF NOT EXISTS", surrounding whitespace, and identifier
// case, since a live index created via our own IF-NOT-EXISTS DDL on an
// older run still carries that clause in sqlite_master.sql while a freshly
// generated "want" string does not.
func indexDefsEquivalent(live, want string) bool {
	normalize := func(s string) string {
		s = strings.ToUpper(s)
		s = strings.ReplaceAll(s, "IF NOT EXISTS ", "")
		fields := strings.Fields(s)
		return strings.Join(fields, " ")
	}
	return normalize(live) == normalize(want)
}

func createSystemIDIndex(ctx context.Context, tx *adapter.Tx, table string) error {
	name := fmt.Sprintf("%s_%s_unique", table, model.ColSystemID)
	stmt := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s(%s)", quoteIdent(name), quoteIdent(table), quoteIdent(model.ColSystemID))
	_, err := tx.Exec(ctx, stmt)
	return err
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
