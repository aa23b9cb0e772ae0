package merge

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/riftsync/ldb/internal/adapter"
	"github.com/riftsync/ldb/internal/model"
)

func fetchLocalRow(ctx context.Context, tx *adapter.Tx, table, systemID string) (map[string]any, error) {
	stmt, err := tx.Prepare(ctx, fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", quoteIdent(table), model.ColSystemID))
	if err != nil {
		return nil, err
	}
	row, err := stmt.Get(ctx, systemID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return row, err
}

func insertRow(ctx context.Context, tx *adapter.Tx, table string, values map[string]any) error {
	cols := sortedKeys(values)
	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		placeholders[i] = "?"
		args[i] = values[c]
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	_, err := tx.Exec(ctx, stmt, args...)
	return err
}

func updateRow(ctx context.Context, tx *adapter.Tx, table, systemID string, updates map[string]any) error {
	cols := sortedKeys(updates)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = ?", quoteIdent(c))
		args = append(args, updates[c])
	}
	args = append(args, systemID)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", quoteIdent(table), strings.Join(sets, ", "), model.ColSystemID)
	_, err := tx.Exec(ctx, stmt, args...)
	return err
}

func deleteRow(ctx context.Context, tx *adapter.Tx, table, systemID string) error {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(table), model.ColSystemID)
	_, err := tx.Exec(ctx, stmt, systemID)
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
