// Package ldberr defines the typed error kinds surfaced by the engine's
// public operations, per the error model in §7 of the specification.
package ldberr

import (
	"errors"
	"fmt"
)

// Kind classifies an *Error for errors.Is-style matching by callers.
type Kind string

const (
	NotInitialized  Kind = "not_initialized"
	InvalidArgument Kind = "invalid_argument"
	SchemaMigration Kind = "schema_migration"
	Constraint      Kind = "constraint"
	Storage         Kind = "storage"
	Merge           Kind = "merge"
)

// Error is the concrete type returned for every typed failure. Table and
// RowID are populated when the offending row is known.
type Error struct {
	Kind  Kind
	Op    string
	Table string
	RowID string
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Table != "" {
		msg = fmt.Sprintf("%s (table=%s", msg, e.Table)
		if e.RowID != "" {
			msg = fmt.Sprintf("%s row_id=%s", msg, e.RowID)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, ldberr.New(ldberr.NotInitialized, "", "", "", nil)) or,
// more conventionally, errors.As plus a Kind comparison.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs an *Error.
func New(kind Kind, op, table, rowID string, err error) *Error {
	return &Error{Kind: kind, Op: op, Table: table, RowID: rowID, Err: err}
}

// NotInitializedf builds a NotInitialized error for op.
func NotInitializedf(op string) error {
	return New(NotInitialized, op, "", "", errors.New("engine is not active"))
}

// InvalidArgumentf builds an InvalidArgument error.
func InvalidArgumentf(op, format string, args ...any) error {
	return New(InvalidArgument, op, "", "", fmt.Errorf(format, args...))
}

// Storagef wraps an underlying SQLite error as a Storage error, preserving it
// via Unwrap.
func Storagef(op string, err error) error {
	return New(Storage, op, "", "", err)
}

// Constraintf builds a Constraint error for a known table/row.
func Constraintf(op, table, rowID string, err error) error {
	return New(Constraint, op, table, rowID, err)
}

// SchemaMigrationf builds a SchemaMigration error.
func SchemaMigrationf(op string, err error) error {
	return New(SchemaMigration, op, "", "", err)
}

// Mergef builds a Merge error for a known table/row.
func Mergef(op, table, rowID string, err error) error {
	return New(Merge, op, table, rowID, err)
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
