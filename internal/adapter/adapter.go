// Package adapter provides a uniform prepared-statement, transaction, and
// export surface over an embedded SQLite database, so the rest of the
// engine never imports database/sql directly.
package adapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Adapter owns the single SQLite connection backing one engine instance.
type Adapter struct {
	db   *sql.DB
	path string
}

// Open opens (creating if absent) the SQLite file at path with the pragmas
// the engine depends on: WAL journaling, a busy timeout so concurrent
// readers don't immediately fail, and foreign keys enabled.
func Open(ctx context.Context, path string) (*Adapter, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Adapter{db: db, path: path}, nil
}

// Close closes the underlying connection. Safe to call on a nil Adapter.
func (a *Adapter) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// IsOpen reports whether the adapter still has a live connection.
func (a *Adapter) IsOpen() bool {
	return a != nil && a.db != nil
}

// DB exposes the raw *sql.DB for packages (schema migration, testutil) that
// need catalog introspection the PreparedStatement surface doesn't cover.
func (a *Adapter) DB() *sql.DB {
	return a.db
}

// Exec runs DDL or a one-off statement with no prepared-statement reuse.
func (a *Adapter) Exec(ctx context.Context, sqlText string, args ...any) (sql.Result, error) {
	return a.db.ExecContext(ctx, sqlText, args...)
}

// Querier is satisfied by both *sql.DB and *sql.Tx, letting PreparedStatement
// bind against whichever is active.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Prepare binds sqlText to the adapter's connection. The SQL is not compiled
// here; an error in it surfaces when the statement runs.
func (a *Adapter) Prepare(ctx context.Context, sqlText string) (*PreparedStatement, error) {
	return prepareOn(ctx, a.db, sqlText)
}

// ExecResult mirrors sql.Result with the two fields callers actually use.
type ExecResult struct {
	LastInsertRowID int64
	RowsAffected    int64
}

// PreparedStatement wraps SQL text bound to either the connection pool or an
// in-flight transaction; the driver compiles it on each call.
type PreparedStatement struct {
	sqlText string
	querier Querier
}

func prepareOn(ctx context.Context, q Querier, sqlText string) (*PreparedStatement, error) {
	// The underlying driver recompiles per-call; this wrapper exists so
	// callers have a stable run/get/all/finalize surface regardless of
	// whether a future backend needs a real prepared handle.
	return &PreparedStatement{sqlText: sqlText, querier: q}, nil
}

// Run executes the statement for its side effects.
func (p *PreparedStatement) Run(ctx context.Context, args ...any) (ExecResult, error) {
	res, err := p.querier.ExecContext(ctx, p.sqlText, args...)
	if err != nil {
		return ExecResult{}, err
	}
	lastID, _ := res.LastInsertId()
	affected, _ := res.RowsAffected()
	return ExecResult{LastInsertRowID: lastID, RowsAffected: affected}, nil
}

// Get returns a single row as a column-name-keyed map, or (nil, nil) if no
// row matched.
func (p *PreparedStatement) Get(ctx context.Context, args ...any) (map[string]any, error) {
	rows, err := p.querier.QueryContext(ctx, p.sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	row, err := scanRow(rows)
	if err != nil {
		return nil, err
	}
	return row, rows.Err()
}

// All returns every matching row as column-name-keyed maps.
func (p *PreparedStatement) All(ctx context.Context, args ...any) ([]map[string]any, error) {
	rows, err := p.querier.QueryContext(ctx, p.sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]map[string]any, 0)
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Finalize releases resources held by the statement. A no-op for this
// driver's recompile-per-call strategy, kept so callers written against a
// future backend that does hold a live handle don't need to change.
func (p *PreparedStatement) Finalize() error { return nil }

func scanRow(rows *sql.Rows) (map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	row := make(map[string]any, len(cols))
	for i, c := range cols {
		row[c] = dest[i]
	}
	return row, nil
}

// Tx is a transaction-scoped handle: the same PreparedStatement surface, but
// bound to an in-flight *sql.Tx so writes are visible only within it until
// commit.
type Tx struct {
	tx *sql.Tx
}

// Prepare binds sqlText to this transaction.
func (t *Tx) Prepare(ctx context.Context, sqlText string) (*PreparedStatement, error) {
	return prepareOn(ctx, t.tx, sqlText)
}

// Exec runs sqlText within this transaction.
func (t *Tx) Exec(ctx context.Context, sqlText string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, sqlText, args...)
}

// ExecContext, QueryContext, and QueryRowContext delegate to the underlying
// *sql.Tx so that *Tx itself satisfies Querier: callers composing a write
// with a dirty-row mark (or any other Querier-typed helper) in the same
// transaction can pass a *Tx directly wherever a *sql.DB would otherwise go.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// ErrRolledBack is returned by Transaction when cb itself returned an error,
// wrapping that original error.
var ErrRolledBack = errors.New("adapter: transaction rolled back")

// Transaction runs cb inside BEGIN/COMMIT, rolling back if cb returns an
// error or panics. Calls do not nest and no savepoints are used: each call
// begins a new transaction on the adapter's single pooled connection, so a
// call made from inside cb waits for the connection the outer transaction
// holds and returns only when ctx is done.
func (a *Adapter) Transaction(ctx context.Context, cb func(ctx context.Context, tx *Tx) error) (err error) {
	sqlTx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	tx := &Tx{tx: sqlTx}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := cb(ctx, tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback after %v: %w", err, rbErr)
		}
		return fmt.Errorf("%w: %w", ErrRolledBack, err)
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ExportDatabase returns the raw bytes of the SQLite file, suitable for
// writing elsewhere and reopening with Open.
func (a *Adapter) ExportDatabase() ([]byte, error) {
	if a.path == "" || a.path == ":memory:" {
		return nil, fmt.Errorf("export: in-memory database has no file to export")
	}
	// VACUUM INTO a temp copy first so the export reflects a consistent,
	// checkpointed snapshot even with WAL pages not yet folded into the
	// main file.
	tmp := a.path + ".export.tmp"
	_ = os.Remove(tmp)
	if _, err := a.db.Exec(fmt.Sprintf("VACUUM INTO '%s'", escapeSingleQuotes(tmp))); err != nil {
		return nil, fmt.Errorf("vacuum into export snapshot: %w", err)
	}
	defer os.Remove(tmp)
	data, err := os.ReadFile(tmp)
	if err != nil {
		return nil, fmt.Errorf("read export snapshot: %w", err)
	}
	return data, nil
}

func escapeSingleQuotes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

// OpenFromBytes writes data to path and opens it, the reopen half of the
// export/import round trip.
func OpenFromBytes(ctx context.Context, path string, data []byte) (*Adapter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write imported database: %w", err)
	}
	return Open(ctx, path)
}
