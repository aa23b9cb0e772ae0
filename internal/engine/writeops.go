package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/riftsync/ldb/internal/adapter"
	"github.com/riftsync/ldb/internal/dirtyrow"
	"github.com/riftsync/ldb/internal/hlc"
	"github.com/riftsync/ldb/internal/ldberr"
	"github.com/riftsync/ldb/internal/model"
)

// trackingFields are never accepted verbatim from caller-supplied values;
// the write path computes them itself from the HLC stamp.
var trackingFields = map[string]bool{
	model.ColSystemCreatedAt: true,
	model.ColSystemVersion:   true,
	model.ColSystemIsLocal:   true,
}

func stripTrackingFields(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		if trackingFields[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// doInsert implements C5 insert(): stamps system columns and LWW shadows
// with a fresh HLC, executes the INSERT, and queues a full-row DirtyRow
// entry.
func doInsert(ctx context.Context, q adapter.Querier, clock *hlc.Clock, table model.TableDef, values map[string]any) (string, error) {
	t := clock.Now()

	row := stripTrackingFields(values)
	systemID, _ := row[model.ColSystemID].(string)
	if systemID == "" {
		systemID = newSystemID()
	}
	row[model.ColSystemID] = systemID
	row[model.ColSystemCreatedAt] = t.String()
	row[model.ColSystemVersion] = t.String()
	row[model.ColSystemIsLocal] = 1

	for _, col := range table.LWWColumns() {
		if _, ok := row[col.ShadowColumn()]; !ok {
			row[col.ShadowColumn()] = t.String()
		}
	}

	if err := execInsert(ctx, q, table.Name, row); err != nil {
		return "", classifyStorageErr(err, table.Name, systemID)
	}

	if err := dirtyrow.MarkDirty(ctx, q, dirtyrow.Entry{
		Table:     table.Name,
		RowID:     systemID,
		HLC:       t,
		IsFullRow: true,
	}); err != nil {
		return "", fmt.Errorf("insert: mark dirty: %w", err)
	}
	return systemID, nil
}

// doUpdate implements C5 update(): looks up the matching rows' system_id and
// origin first (so the dirty markers are correct even though the UPDATE
// rewrites the row), stamps system_version and any provided LWW shadows
// with one HLC, executes the UPDATE, and queues a DirtyRow per changed row.
func doUpdate(ctx context.Context, q adapter.Querier, clock *hlc.Clock, table model.TableDef, values map[string]any, where string, whereArgs []any) (int64, error) {
	matches, err := selectOriginRows(ctx, q, table.Name, where, whereArgs)
	if err != nil {
		return 0, err
	}
	if len(matches) == 0 {
		return 0, nil
	}

	t := clock.Now()
	row := stripTrackingFields(values)
	row[model.ColSystemVersion] = t.String()
	for col := range row {
		if c, ok := table.Column(col); ok && c.IsLWW {
			row[c.ShadowColumn()] = t.String()
		}
	}

	if err := execUpdate(ctx, q, table.Name, row, where, whereArgs); err != nil {
		return 0, classifyStorageErr(err, table.Name, "")
	}

	for _, m := range matches {
		if err := dirtyrow.MarkDirty(ctx, q, dirtyrow.Entry{
			Table:     table.Name,
			RowID:     m.systemID,
			HLC:       t,
			IsFullRow: m.isLocalOrigin,
		}); err != nil {
			return 0, fmt.Errorf("update: mark dirty: %w", err)
		}
	}
	return int64(len(matches)), nil
}

// doDelete implements C5 delete(): selects matching rows' identity first,
// executes the DELETE, then queues a tombstone DirtyRow per deleted row.
func doDelete(ctx context.Context, q adapter.Querier, clock *hlc.Clock, table model.TableDef, where string, whereArgs []any) (int64, error) {
	matches, err := selectOriginRows(ctx, q, table.Name, where, whereArgs)
	if err != nil {
		return 0, err
	}
	if len(matches) == 0 {
		return 0, nil
	}

	t := clock.Now()
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(table.Name), where)
	if _, err := q.ExecContext(ctx, stmt, whereArgs...); err != nil {
		return 0, classifyStorageErr(err, table.Name, "")
	}

	for _, m := range matches {
		if err := dirtyrow.MarkDirty(ctx, q, dirtyrow.Entry{
			Table:     table.Name,
			RowID:     m.systemID,
			HLC:       t,
			IsFullRow: m.isLocalOrigin,
			Tombstone: true,
		}); err != nil {
			return 0, fmt.Errorf("delete: mark dirty: %w", err)
		}
	}
	return int64(len(matches)), nil
}

type originRow struct {
	systemID      string
	isLocalOrigin bool
}

func selectOriginRows(ctx context.Context, q adapter.Querier, table, where string, whereArgs []any) ([]originRow, error) {
	stmt := fmt.Sprintf("SELECT %s, %s FROM %s", model.ColSystemID, model.ColSystemIsLocal, quoteIdent(table))
	if where != "" {
		stmt += " WHERE " + where
	}
	rows, err := q.QueryContext(ctx, stmt, whereArgs...)
	if err != nil {
		return nil, classifyStorageErr(err, table, "")
	}
	defer rows.Close()

	var out []originRow
	for rows.Next() {
		var systemID string
		var origin int64
		if err := rows.Scan(&systemID, &origin); err != nil {
			return nil, classifyStorageErr(err, table, "")
		}
		out = append(out, originRow{systemID: systemID, isLocalOrigin: origin == 1})
	}
	if err := rows.Err(); err != nil {
		return nil, classifyStorageErr(err, table, "")
	}
	return out, nil
}

func execInsert(ctx context.Context, q adapter.Querier, table string, row map[string]any) error {
	cols := sortedKeys(row)
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		args[i] = row[c]
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	_, err := q.ExecContext(ctx, stmt, args...)
	return err
}

func execUpdate(ctx context.Context, q adapter.Querier, table string, row map[string]any, where string, whereArgs []any) error {
	cols := sortedKeys(row)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(whereArgs))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = ?", quoteIdent(c))
		args = append(args, row[c])
	}
	args = append(args, whereArgs...)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s", quoteIdent(table), strings.Join(sets, ", "), where)
	_, err := q.ExecContext(ctx, stmt, args...)
	return err
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// classifyStorageErr maps a raw database/sql error to ConstraintError when
// it looks like a unique/foreign-key violation, StorageError otherwise,
// including the offending table and row_id when the caller knows them.
func classifyStorageErr(err error, table, rowID string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "FOREIGN KEY constraint") || strings.Contains(msg, "CHECK constraint") {
		return ldberr.Constraintf("write", table, rowID, err)
	}
	return ldberr.Storagef("write", err)
}

// preparer is satisfied by both *adapter.Adapter and *adapter.Tx, letting
// queryRecords bind to whichever is active.
type preparer interface {
	Prepare(ctx context.Context, sqlText string) (*adapter.PreparedStatement, error)
}

func queryRecords(ctx context.Context, p preparer, table, where string, whereArgs []any) ([]*model.Record, error) {
	stmt := fmt.Sprintf("SELECT * FROM %s", quoteIdent(table))
	if where != "" {
		stmt += " WHERE " + where
	}
	prepared, err := p.Prepare(ctx, stmt)
	if err != nil {
		return nil, classifyStorageErr(err, table, "")
	}
	rows, err := prepared.All(ctx, whereArgs...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, classifyStorageErr(err, table, "")
	}
	out := make([]*model.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.NewQueriedRecord(table, row))
	}
	return out, nil
}
