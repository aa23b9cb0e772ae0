// Package testutil provides fixtures shared across package tests: a ready
// engine bound to a fresh temp-file database, and small schema builders for
// the tables those tests exercise.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/riftsync/ldb/internal/engine"
	"github.com/riftsync/ldb/internal/model"
)

// NewEngine opens a fresh engine over a temp-dir SQLite file, reconciled
// against s, and registers its Close with t.Cleanup.
func NewEngine(t *testing.T, s model.Schema, opts ...engine.Option) (*engine.Engine, context.Context) {
	t.Helper()
	ctx := context.Background()
	e, err := engine.Open(ctx, filepath.Join(t.TempDir(), "ldb-test.db"), s, opts...)
	if err != nil {
		t.Fatalf("open test engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, ctx
}

// SingleTableSchema wraps one TableDef in a Schema, for tests that only
// need one table reconciled.
func SingleTableSchema(table model.TableDef) model.Schema {
	return model.Schema{Tables: []model.TableDef{table}}
}
