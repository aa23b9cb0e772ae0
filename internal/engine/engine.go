// Package engine implements the database core (C5): CRUD with HLC
// stamping, write interception into the dirty-row store, transaction
// orchestration, and record change tracking. Every public operation
// serializes on the engine's mutex so HLC allocation, the SQL write, and
// the dirty-row append form one atomic critical section.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/riftsync/ldb/internal/adapter"
	"github.com/riftsync/ldb/internal/dirtyrow"
	"github.com/riftsync/ldb/internal/hlc"
	"github.com/riftsync/ldb/internal/ldberr"
	"github.com/riftsync/ldb/internal/model"
	"github.com/riftsync/ldb/internal/schema"
	"github.com/riftsync/ldb/internal/stream"
)

// lifecycleState tracks the engine's init -> active -> closed progression.
// Writes and reads outside active fail with NotInitialized.
type lifecycleState int

const (
	stateInit lifecycleState = iota
	stateActive
	stateClosed
)

// Engine is one bound SQLite connection plus its clock, schema, and stream
// registry. Multiple engines may coexist in a process, each with an
// independent node id and clock.
type Engine struct {
	mu sync.Mutex

	adapter *adapter.Adapter
	clock   *hlc.Clock
	schema  model.Schema
	streams *stream.Manager
	logger  *log.Logger

	state lifecycleState
}

// Option customizes engine construction.
type Option func(*Engine)

// WithLogger overrides the default charmbracelet logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithNodeID fixes the HLC node id instead of deriving one from the host.
func WithNodeID(nodeID string) Option {
	return func(e *Engine) { e.clock = hlc.New(nodeID) }
}

// Open opens (creating if absent) the SQLite file at path, reconciles it
// against s via the Migrator, and returns an active engine.
func Open(ctx context.Context, path string, s model.Schema, opts ...Option) (*Engine, error) {
	a, err := adapter.Open(ctx, path)
	if err != nil {
		return nil, ldberr.Storagef("engine.Open", err)
	}

	e := &Engine{
		adapter: a,
		clock:   hlc.New(hlc.DefaultNodeID()),
		schema:  s,
		streams: stream.NewManager(nil),
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.streams = stream.NewManager(e.logger)

	if _, err := schema.New(e.logger).Reconcile(ctx, a, s); err != nil {
		_ = a.Close()
		return nil, err
	}

	e.state = stateActive
	e.logger.Info("engine opened", "path", path, "node_id", e.clock.NodeID())
	return e, nil
}

// Close shuts down the underlying adapter and marks the engine closed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateClosed {
		return nil
	}
	e.state = stateClosed
	e.streams.Dispose()
	return e.adapter.Close()
}

// Schema returns the engine's declared schema.
func (e *Engine) Schema() model.Schema { return e.schema }

// Streams returns the engine's Query Stream Manager (C7).
func (e *Engine) Streams() *stream.Manager { return e.streams }

// Clock returns the engine's HLC clock (C2).
func (e *Engine) Clock() *hlc.Clock { return e.clock }

// Adapter exposes the underlying SQLite adapter (C1) for packages that
// operate below the record model, such as the dirty-row drain and the
// merge engine's bulkLoad invoked by the Sync Orchestrator (C8).
func (e *Engine) Adapter() *adapter.Adapter { return e.adapter }

// Table looks up a declared table by name, for callers outside this
// package that need its definition (e.g. to drive bulkLoad per table).
func (e *Engine) Table(name string) (model.TableDef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table(name)
}

func (e *Engine) requireActive() error {
	if e.state != stateActive {
		return ldberr.NotInitializedf("engine")
	}
	return nil
}

func (e *Engine) table(name string) (model.TableDef, error) {
	t, ok := e.schema.Table(name)
	if !ok {
		return model.TableDef{}, ldberr.InvalidArgumentf("engine", "unknown table %q", name)
	}
	return t, nil
}

// Insert writes a new row into table and returns its system_id.
func (e *Engine) Insert(ctx context.Context, table string, values map[string]any) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireActive(); err != nil {
		return "", err
	}
	t, err := e.table(table)
	if err != nil {
		return "", err
	}

	var systemID string
	err = e.adapter.Transaction(ctx, func(ctx context.Context, tx *adapter.Tx) error {
		var err error
		systemID, err = doInsert(ctx, tx, e.clock, t, values)
		return err
	})
	if err != nil {
		return "", wrapStorageErr("insert", table, err)
	}
	e.streams.NotifyTableChanged(table)
	return systemID, nil
}

// Update applies values to every row in table matching where/whereArgs and
// returns the number of rows changed.
func (e *Engine) Update(ctx context.Context, table string, values map[string]any, where string, whereArgs ...any) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireActive(); err != nil {
		return 0, err
	}
	t, err := e.table(table)
	if err != nil {
		return 0, err
	}

	var changed int64
	err = e.adapter.Transaction(ctx, func(ctx context.Context, tx *adapter.Tx) error {
		var err error
		changed, err = doUpdate(ctx, tx, e.clock, t, values, where, whereArgs)
		return err
	})
	if err != nil {
		return 0, wrapStorageErr("update", table, err)
	}
	if changed > 0 {
		e.streams.NotifyTableChanged(table)
	}
	return changed, nil
}

// Delete removes every row in table matching where/whereArgs, queuing a
// tombstone DirtyRow entry for each, and returns the number of rows deleted.
func (e *Engine) Delete(ctx context.Context, table string, where string, whereArgs ...any) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireActive(); err != nil {
		return 0, err
	}
	t, err := e.table(table)
	if err != nil {
		return 0, err
	}

	var changed int64
	err = e.adapter.Transaction(ctx, func(ctx context.Context, tx *adapter.Tx) error {
		var err error
		changed, err = doDelete(ctx, tx, e.clock, t, where, whereArgs)
		return err
	})
	if err != nil {
		return 0, wrapStorageErr("delete", table, err)
	}
	if changed > 0 {
		e.streams.NotifyTableChanged(table)
	}
	return changed, nil
}

// Query runs a read-only SELECT over table and returns matching rows as
// Records carrying an xRec snapshot for later Save calls.
func (e *Engine) Query(ctx context.Context, table string, where string, whereArgs ...any) ([]*model.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireActive(); err != nil {
		return nil, err
	}
	if _, err := e.table(table); err != nil {
		return nil, err
	}
	return queryRecords(ctx, e.adapter, table, where, whereArgs)
}

// QueryOne runs Query and returns the first matching record, or (nil, nil)
// if none matched.
func (e *Engine) QueryOne(ctx context.Context, table string, where string, whereArgs ...any) (*model.Record, error) {
	rows, err := e.Query(ctx, table, where, whereArgs...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Save routes record to Insert if it has no system_id, otherwise to Update
// with only the columns record.Changed() reports, plus their LWW shadows.
func (e *Engine) Save(ctx context.Context, record *model.Record) (string, error) {
	if record.IsNew() {
		return e.Insert(ctx, record.TableName(), record.Fields())
	}

	table, err := e.tableLocked(record.TableName())
	if err != nil {
		return "", err
	}

	changed := record.Changed()
	if len(changed) == 0 {
		systemID, _ := record.SystemID()
		return systemID, nil
	}

	values := make(map[string]any, len(changed))
	for _, col := range changed {
		v, _ := record.Get(col)
		values[col] = v
		if c, ok := table.Column(col); ok && c.IsLWW {
			values[c.ShadowColumn()] = nil // filled by doUpdate with the update's HLC
		}
	}

	systemID, ok := record.SystemID()
	if !ok {
		return "", ldberr.InvalidArgumentf("engine.Save", "record has no system_id")
	}
	if _, err := e.Update(ctx, record.TableName(), values, fmt.Sprintf("%s = ?", model.ColSystemID), systemID); err != nil {
		return "", err
	}
	return systemID, nil
}

func (e *Engine) tableLocked(name string) (model.TableDef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table(name)
}

// Tx is the engine-bound handle passed to Transaction's callback: the same
// Insert/Update/Delete/Query surface as Engine, but composed atomically
// within one BEGIN/COMMIT.
type Tx struct {
	engine *Engine
	tx     *adapter.Tx
	tables map[string]bool // touched tables, notified after commit
}

// Insert writes a new row within this transaction.
func (t *Tx) Insert(ctx context.Context, table string, values map[string]any) (string, error) {
	tbl, err := t.engine.table(table)
	if err != nil {
		return "", err
	}
	systemID, err := doInsert(ctx, t.tx, t.engine.clock, tbl, values)
	if err != nil {
		return "", wrapStorageErr("insert", table, err)
	}
	t.tables[table] = true
	return systemID, nil
}

// Update applies values to matching rows within this transaction.
func (t *Tx) Update(ctx context.Context, table string, values map[string]any, where string, whereArgs ...any) (int64, error) {
	tbl, err := t.engine.table(table)
	if err != nil {
		return 0, err
	}
	changed, err := doUpdate(ctx, t.tx, t.engine.clock, tbl, values, where, whereArgs)
	if err != nil {
		return 0, wrapStorageErr("update", table, err)
	}
	if changed > 0 {
		t.tables[table] = true
	}
	return changed, nil
}

// Delete removes matching rows within this transaction.
func (t *Tx) Delete(ctx context.Context, table string, where string, whereArgs ...any) (int64, error) {
	tbl, err := t.engine.table(table)
	if err != nil {
		return 0, err
	}
	changed, err := doDelete(ctx, t.tx, t.engine.clock, tbl, where, whereArgs)
	if err != nil {
		return 0, wrapStorageErr("delete", table, err)
	}
	if changed > 0 {
		t.tables[table] = true
	}
	return changed, nil
}

// Query reads within this transaction, seeing its own uncommitted writes.
func (t *Tx) Query(ctx context.Context, table string, where string, whereArgs ...any) ([]*model.Record, error) {
	if _, err := t.engine.table(table); err != nil {
		return nil, err
	}
	return queryRecords(ctx, t.tx, table, where, whereArgs)
}


// Transaction runs cb inside one BEGIN/COMMIT/ROLLBACK, composing any
// number of Insert/Update/Delete calls into a single critical section; a
// failure rolls back every mutation made by cb, including DirtyRow appends.
func (e *Engine) Transaction(ctx context.Context, cb func(ctx context.Context, tx *Tx) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireActive(); err != nil {
		return err
	}

	touched := make(map[string]bool)
	err := e.adapter.Transaction(ctx, func(ctx context.Context, adapterTx *adapter.Tx) error {
		tx := &Tx{engine: e, tx: adapterTx, tables: touched}
		return cb(ctx, tx)
	})
	if err != nil {
		return err
	}
	for table := range touched {
		e.streams.NotifyTableChanged(table)
	}
	return nil
}

func wrapStorageErr(op, table string, err error) error {
	if _, ok := ldberr.KindOf(err); ok {
		return err
	}
	return ldberr.Storagef("engine."+op+" "+table, err)
}

func newSystemID() string {
	return uuid.NewString()
}
