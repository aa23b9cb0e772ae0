// Package dirtyrow implements the durable queue of locally-mutated rows
// awaiting upload to the server (C4 in the design). Entries live in the same
// SQLite file as application data so a write and its dirty mark commit
// atomically in one transaction.
package dirtyrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/riftsync/ldb/internal/adapter"
	"github.com/riftsync/ldb/internal/hlc"
)

// TableName is the synthesized table the Migrator creates to back this
// store.
const TableName = "__dirty_rows"

// DDL is the CREATE TABLE statement the Migrator issues once per database.
const DDL = `
CREATE TABLE IF NOT EXISTS ` + TableName + ` (
	table_name TEXT NOT NULL,
	row_id TEXT NOT NULL,
	hlc TEXT NOT NULL,
	is_full_row INTEGER NOT NULL,
	tombstone INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY(table_name, row_id)
)`

// Entry is one queued row awaiting sync.
type Entry struct {
	Table     string
	RowID     string
	HLC       hlc.Timestamp
	IsFullRow bool
	Tombstone bool
}

// MarkDirty upserts entry: if a row is already queued for (table, row_id),
// it is replaced only when entry.HLC is strictly newer than the queued
// entry's HLC (a causal update), otherwise the call is a no-op. Runs against
// q so callers can bind it to the same transaction as the application write
// it accompanies.
func MarkDirty(ctx context.Context, q adapter.Querier, entry Entry) error {
	existing, err := GetDirtyRow(ctx, q, entry.Table, entry.RowID)
	if err != nil {
		return fmt.Errorf("mark dirty: lookup existing: %w", err)
	}
	if existing != nil && hlc.Compare(entry.HLC, existing.HLC) <= 0 {
		return nil
	}
	_, err = q.ExecContext(ctx, `
INSERT INTO `+TableName+`(table_name, row_id, hlc, is_full_row, tombstone)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(table_name, row_id) DO UPDATE SET
	hlc = excluded.hlc,
	is_full_row = excluded.is_full_row,
	tombstone = excluded.tombstone
`, entry.Table, entry.RowID, entry.HLC.String(), boolToInt(entry.IsFullRow), boolToInt(entry.Tombstone))
	if err != nil {
		return fmt.Errorf("mark dirty: upsert: %w", err)
	}
	return nil
}

// GetDirtyRow returns the queued entry for (table, rowID), or (nil, nil) if
// none exists.
func GetDirtyRow(ctx context.Context, q adapter.Querier, table, rowID string) (*Entry, error) {
	row := q.QueryRowContext(ctx, `
SELECT table_name, row_id, hlc, is_full_row, tombstone
FROM `+TableName+`
WHERE table_name = ? AND row_id = ?
`, table, rowID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dirty row: %w", err)
	}
	return entry, nil
}

// ClearDirty removes the queued entry for (table, rowID), if any.
func ClearDirty(ctx context.Context, q adapter.Querier, table, rowID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM `+TableName+` WHERE table_name = ? AND row_id = ?`, table, rowID)
	if err != nil {
		return fmt.Errorf("clear dirty: %w", err)
	}
	return nil
}

// Drain returns up to batchSize queued entries ordered by (table_name, hlc
// ASC), the order the Sync Orchestrator uploads them in. It does not delete
// entries; they persist until the caller acknowledges them via ClearDirty.
// hlc is stored as text, so it is ordered by its numeric wall_ms and logical
// parts first (a logical of 10 sorts after 9), then by the text itself.
func Drain(ctx context.Context, q adapter.Querier, batchSize int) ([]Entry, error) {
	rows, err := q.QueryContext(ctx, `
SELECT table_name, row_id, hlc, is_full_row, tombstone
FROM `+TableName+`
ORDER BY table_name ASC,
	CAST(hlc AS INTEGER) ASC,
	CAST(substr(hlc, instr(hlc, ':') + 1) AS INTEGER) ASC,
	hlc ASC
LIMIT ?
`, batchSize)
	if err != nil {
		return nil, fmt.Errorf("drain: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, batchSize)
	for rows.Next() {
		entry, err := scanEntryRows(rows)
		if err != nil {
			return nil, fmt.Errorf("drain: scan: %w", err)
		}
		out = append(out, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("drain: iterate: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row *sql.Row) (*Entry, error) {
	return scanCommon(row)
}

func scanEntryRows(rows *sql.Rows) (*Entry, error) {
	return scanCommon(rows)
}

func scanCommon(s scanner) (*Entry, error) {
	var (
		table, rowID, hlcStr string
		isFullRow, tombstone int
	)
	if err := s.Scan(&table, &rowID, &hlcStr, &isFullRow, &tombstone); err != nil {
		return nil, err
	}
	ts, err := hlc.Parse(hlcStr)
	if err != nil {
		return nil, fmt.Errorf("parse hlc %q: %w", hlcStr, err)
	}
	return &Entry{
		Table:     table,
		RowID:     rowID,
		HLC:       ts,
		IsFullRow: isFullRow == 1,
		Tombstone: tombstone == 1,
	}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
