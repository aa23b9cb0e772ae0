package main

import "github.com/riftsync/ldb/internal/model"

// demoSchema backs the migrate/insert-demo/bulk-load/export commands: a
// single "items" table with one LWW column, enough to exercise the full
// write -> dirty-mark -> merge path from the shell.
func demoSchema() model.Schema {
	return model.Schema{
		Tables: []model.TableDef{
			{
				Name: "items",
				Columns: []model.ColumnDef{
					{Name: "name", Type: model.TypeText, IsLWW: true},
					{Name: "quantity", Type: model.TypeInteger, IsLWW: true},
				},
				Keys: []model.KeyDef{
					{Name: "items_name_idx", Kind: model.KeyIndex, Columns: []model.IndexedColumn{{Name: "name"}}},
				},
			},
		},
	}
}
