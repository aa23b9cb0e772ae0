package model

import "testing"

func TestShadowColumnRoundTrip(t *testing.T) {
	col := ColumnDef{Name: "name", IsLWW: true}
	shadow := col.ShadowColumn()
	if shadow != "name__hlc" {
		t.Fatalf("expected name__hlc, got %q", shadow)
	}
	base, ok := IsShadowColumn(shadow)
	if !ok || base != "name" {
		t.Fatalf("expected IsShadowColumn to recover base %q, got %q ok=%v", "name", base, ok)
	}
}

func TestIsShadowColumnRejectsNonShadowNames(t *testing.T) {
	cases := []string{"name", "__hlc", "hlc", ""}
	for _, c := range cases {
		if _, ok := IsShadowColumn(c); ok {
			t.Fatalf("expected %q to not be recognized as a shadow column", c)
		}
	}
}

func TestLWWColumnsFiltersByFlag(t *testing.T) {
	table := TableDef{
		Name: "users",
		Columns: []ColumnDef{
			{Name: "name", IsLWW: true},
			{Name: "internal_note", IsLWW: false},
			{Name: "email", IsLWW: true},
		},
	}
	lww := table.LWWColumns()
	if len(lww) != 2 || lww[0].Name != "name" || lww[1].Name != "email" {
		t.Fatalf("expected [name email], got %+v", lww)
	}
}

func TestSystemColumnsMatchIsSystemColumn(t *testing.T) {
	for _, c := range SystemColumns() {
		if !IsSystemColumn(c.Name) {
			t.Fatalf("expected %q to be recognized as a system column", c.Name)
		}
	}
	if IsSystemColumn("name") {
		t.Fatal("expected a declared column to not be mistaken for a system column")
	}
}

func TestSQLiteStorageClassMapping(t *testing.T) {
	cases := map[LogicalType]string{
		TypeText:    "TEXT",
		TypeInteger: "INTEGER",
		TypeReal:    "REAL",
		TypeGUID:    "TEXT",
		TypeBlob:    "BLOB",
	}
	for logical, want := range cases {
		if got := logical.SQLiteStorageClass(); got != want {
			t.Fatalf("%s: expected %s, got %s", logical, want, got)
		}
	}
}
