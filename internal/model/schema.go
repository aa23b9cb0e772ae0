// Package model defines the declarative schema types the Migrator
// reconciles against the live SQLite catalog, plus the record handle
// returned to callers by query operations.
package model

import "fmt"

// LogicalType is the column's declared type, independent of the SQLite
// storage class it maps onto.
type LogicalType string

const (
	TypeText    LogicalType = "text"
	TypeInteger LogicalType = "integer"
	TypeReal    LogicalType = "real"
	TypeGUID    LogicalType = "guid"
	TypeDate    LogicalType = "date"
	TypeBlob    LogicalType = "blob"
	TypeFileset LogicalType = "fileset"
)

// SQLiteStorageClass returns the SQLite column-type affinity to declare in
// CREATE TABLE / ALTER TABLE statements for t.
func (t LogicalType) SQLiteStorageClass() string {
	switch t {
	case TypeInteger:
		return "INTEGER"
	case TypeReal:
		return "REAL"
	case TypeBlob:
		return "BLOB"
	case TypeText, TypeGUID, TypeDate, TypeFileset:
		return "TEXT"
	default:
		return "TEXT"
	}
}

// ColumnDef declares one application column.
type ColumnDef struct {
	Name      string
	Type      LogicalType
	Nullable  bool
	Default   string // raw SQL literal/expression, empty if none
	IsLWW     bool
	IsParent  bool
	MaxLength int // 0 means unbounded
}

// ShadowColumn returns the name of this column's HLC shadow column. Only
// meaningful when IsLWW is true.
func (c ColumnDef) ShadowColumn() string {
	return c.Name + "__hlc"
}

// KeyKind identifies the flavor of a declared key/index.
type KeyKind string

const (
	KeyPrimary KeyKind = "primary"
	KeyUnique  KeyKind = "unique"
	KeyIndex   KeyKind = "index"
)

// IndexedColumn is one column participating in a KeyDef, with direction.
type IndexedColumn struct {
	Name string
	Desc bool
}

// KeyDef declares a PRIMARY, UNIQUE, or INDEX key over one or more columns.
type KeyDef struct {
	Name    string
	Kind    KeyKind
	Columns []IndexedColumn
}

// TableDef declares one application table.
type TableDef struct {
	Name    string
	Columns []ColumnDef
	Keys    []KeyDef
}

// Column looks up a declared column by name.
func (t TableDef) Column(name string) (ColumnDef, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnDef{}, false
}

// LWWColumns returns the subset of declared columns flagged isLww, in
// declaration order.
func (t TableDef) LWWColumns() []ColumnDef {
	out := make([]ColumnDef, 0, len(t.Columns))
	for _, c := range t.Columns {
		if c.IsLWW {
			out = append(out, c)
		}
	}
	return out
}

// Schema is an ordered sequence of table declarations.
type Schema struct {
	Tables []TableDef
}

// Table looks up a declared table by name.
func (s Schema) Table(name string) (TableDef, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableDef{}, false
}

// Synthesized system column names, added to every table by the Migrator.
const (
	ColSystemID        = "system_id"
	ColSystemCreatedAt = "system_created_at"
	ColSystemVersion   = "system_version"
	ColSystemIsLocal   = "system_is_local_origin"
)

// SystemColumns returns the four columns the Migrator synthesizes on every
// declared table, in the order they are created.
// Every system column is declared NOT NULL, so each needs a non-null
// DEFAULT: SQLite rejects ALTER TABLE ... ADD COLUMN ... NOT NULL without
// one even on an empty table, and the Migrator must be able to retrofit
// these columns onto an already-live table (spec §4.2 point 3).
func SystemColumns() []ColumnDef {
	return []ColumnDef{
		{Name: ColSystemID, Type: TypeGUID, Nullable: false, Default: "''"},
		{Name: ColSystemCreatedAt, Type: TypeText, Nullable: false, Default: "''"},
		{Name: ColSystemVersion, Type: TypeText, Nullable: false, Default: "''"},
		{Name: ColSystemIsLocal, Type: TypeInteger, Nullable: false, Default: "0"},
	}
}

// IsSystemColumn reports whether name is one of the four synthesized system
// columns.
func IsSystemColumn(name string) bool {
	switch name {
	case ColSystemID, ColSystemCreatedAt, ColSystemVersion, ColSystemIsLocal:
		return true
	default:
		return false
	}
}

// IsShadowColumn reports whether name looks like a `<col>__hlc` shadow
// column and returns the base column name.
func IsShadowColumn(name string) (base string, ok bool) {
	const suffix = "__hlc"
	if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
		return "", false
	}
	return name[:len(name)-len(suffix)], true
}

func (t TableDef) String() string {
	return fmt.Sprintf("table(%s, %d columns, %d keys)", t.Name, len(t.Columns), len(t.Keys))
}
