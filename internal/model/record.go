package model

import (
	"fmt"
	"time"
)

// Record is the application-facing view of a queried row: current field
// values plus the immutable snapshot (xRec) captured at query time, used by
// save to compute a minimal changed-column set instead of rewriting every
// field.
type Record struct {
	table  string
	fields map[string]any
	xRec   map[string]any // nil for a record not yet backed by a row
}

// NewRecord wraps values as a fresh, unsaved record for table.
func NewRecord(table string, values map[string]any) *Record {
	fields := make(map[string]any, len(values))
	for k, v := range values {
		fields[k] = v
	}
	return &Record{table: table, fields: fields}
}

// NewQueriedRecord wraps a row just read back from storage, capturing xRec
// as the snapshot against which future saves diff.
func NewQueriedRecord(table string, row map[string]any) *Record {
	fields := make(map[string]any, len(row))
	xrec := make(map[string]any, len(row))
	for k, v := range row {
		fields[k] = v
		xrec[k] = v
	}
	return &Record{table: table, fields: fields, xRec: xrec}
}

// TableName returns the originating table name (`__tableName` in spec terms).
func (r *Record) TableName() string { return r.table }

// IsNew reports whether this record has no backing row yet (no xRec
// snapshot), meaning save should route to insert.
func (r *Record) IsNew() bool { return r.xRec == nil }

// SystemID returns the row's system_id, if set.
func (r *Record) SystemID() (string, bool) {
	return r.GetString(ColSystemID)
}

// Set assigns a field's current value.
func (r *Record) Set(column string, value any) {
	r.fields[column] = value
}

// Get returns the current value of column and whether it is present.
func (r *Record) Get(column string) (any, bool) {
	v, ok := r.fields[column]
	return v, ok
}

// Fields returns a copy of the current field map.
func (r *Record) Fields() map[string]any {
	out := make(map[string]any, len(r.fields))
	for k, v := range r.fields {
		out[k] = v
	}
	return out
}

// GetString returns column as a string.
func (r *Record) GetString(column string) (string, bool) {
	v, ok := r.fields[column]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetInt64 returns column as an int64, accepting any integer kind stored by
// the driver.
func (r *Record) GetInt64(column string) (int64, bool) {
	v, ok := r.fields[column]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	default:
		return 0, false
	}
}

// GetFloat64 returns column as a float64.
func (r *Record) GetFloat64(column string) (float64, bool) {
	v, ok := r.fields[column]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// GetBool returns column as a bool, treating the SQLite 0/1 integer
// convention as false/true.
func (r *Record) GetBool(column string) (bool, bool) {
	v, ok := r.fields[column]
	if !ok || v == nil {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case int64:
		return b != 0, true
	case int:
		return b != 0, true
	default:
		return false, false
	}
}

// GetTime parses column as an RFC3339 timestamp string.
func (r *Record) GetTime(column string) (time.Time, bool) {
	s, ok := r.GetString(column)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Get is a generic accessor that type-asserts column's current value to T,
// matching the spec's `get<T>(column)` contract.
func Get[T any](r *Record, column string) (T, bool) {
	var zero T
	v, ok := r.fields[column]
	if !ok || v == nil {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// Changed returns the names of fields whose current value differs
// structurally from the xRec snapshot. A record with no snapshot (IsNew)
// reports every field with a current value.
func (r *Record) Changed() []string {
	if r.xRec == nil {
		out := make([]string, 0, len(r.fields))
		for k := range r.fields {
			out = append(out, k)
		}
		return out
	}
	out := make([]string, 0)
	for k, v := range r.fields {
		old, existed := r.xRec[k]
		if !existed || !valuesEqual(old, v) {
			out = append(out, k)
		}
	}
	return out
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}
