// Package merge implements the Merge Engine (C6): bulkLoad applies
// server-sourced rows into the local store with per-column LWW conflict
// resolution, a configurable constraint-violation policy, and dirty-mark
// reconciliation based on system_version dominance.
package merge

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/riftsync/ldb/internal/adapter"
	"github.com/riftsync/ldb/internal/dirtyrow"
	"github.com/riftsync/ldb/internal/hlc"
	"github.com/riftsync/ldb/internal/ldberr"
	"github.com/riftsync/ldb/internal/model"
	"github.com/riftsync/ldb/internal/stream"
)

// Policy governs how bulkLoad responds to a constraint violation while
// applying a row.
type Policy int

const (
	// ThrowException aborts the whole bulkLoad call on the first constraint
	// violation. This is the default per the sync protocol contract.
	ThrowException Policy = iota
	// Skip counts the violation, leaves the offending row unapplied, and
	// continues with the remaining rows.
	Skip
)

// Result summarizes one bulkLoad call.
type Result struct {
	Inserted int
	Updated  int
	Skipped  int
	Warnings []string
}

// Engine applies server rows against an adapter-backed database and
// notifies a stream.Manager once per batch.
type Engine struct {
	logger  *log.Logger
	clock   *hlc.Clock
	streams *stream.Manager
}

// New constructs a merge Engine. clock supplies HLC.now() for rows the
// server omits timestamps on; streams is notified once per bulkLoad call.
func New(clock *hlc.Clock, streams *stream.Manager, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{logger: logger, clock: clock, streams: streams}
}

// BulkLoad applies rows into table under a. Each row is a column-name-keyed
// map expected to carry system_id, system_version, and LWW shadow columns
// for any LWW column it sets.
func (e *Engine) BulkLoad(ctx context.Context, a *adapter.Adapter, table model.TableDef, rows []map[string]any, policy Policy) (Result, error) {
	var result Result

	err := a.Transaction(ctx, func(ctx context.Context, tx *adapter.Tx) error {
		for _, row := range rows {
			applied, err := e.applyRow(ctx, tx, table, row, policy)
			if err != nil {
				return err
			}
			switch applied {
			case appliedInsert:
				result.Inserted++
			case appliedUpdate:
				result.Updated++
			case appliedSkip:
				result.Skipped++
			}
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	if result.Inserted+result.Updated > 0 {
		e.streams.NotifyTableChanged(table.Name)
	}
	return result, nil
}

type applyOutcome int

const (
	appliedInsert applyOutcome = iota
	appliedUpdate
	appliedSkip
)

func (e *Engine) applyRow(ctx context.Context, tx *adapter.Tx, table model.TableDef, row map[string]any, policy Policy) (applyOutcome, error) {
	systemID, _ := row[model.ColSystemID].(string)
	if systemID == "" {
		e.logger.Warn("bulkLoad: row missing system_id, skipping", "table", table.Name)
		return appliedSkip, nil
	}

	if tombstone, _ := row["__tombstone"].(bool); tombstone {
		return e.applyTombstone(ctx, tx, table, systemID)
	}

	local, err := fetchLocalRow(ctx, tx, table.Name, systemID)
	if err != nil {
		return appliedSkip, fmt.Errorf("bulkLoad: lookup local row: %w", err)
	}

	// Fold the row's own HLC into this node's clock so later local writes
	// sort after everything this merge has now observed; fall back to Now
	// only when the row carries no parseable timestamp of its own.
	var now hlc.Timestamp
	if remote, ok := parseRemoteVersion(row); ok {
		now = e.clock.Observe(remote)
	} else {
		now = e.clock.Now()
	}

	var outcome applyOutcome
	if local == nil {
		outcome, err = e.applyInsert(ctx, tx, table, systemID, row, policy, now)
	} else {
		outcome, err = e.applyUpdate(ctx, tx, table, systemID, row, local, policy, now)
	}
	if err != nil {
		return appliedSkip, err
	}

	if err := e.reconcileDirty(ctx, tx, table.Name, systemID, row); err != nil {
		return outcome, fmt.Errorf("bulkLoad: reconcile dirty: %w", err)
	}
	return outcome, nil
}

func (e *Engine) applyInsert(ctx context.Context, tx *adapter.Tx, table model.TableDef, systemID string, row map[string]any, policy Policy, now hlc.Timestamp) (applyOutcome, error) {
	values := make(map[string]any, len(row))
	for k, v := range row {
		values[k] = v
	}
	values[model.ColSystemIsLocal] = 0

	if _, ok := values[model.ColSystemVersion]; !ok {
		values[model.ColSystemVersion] = now.String()
	}
	if _, ok := values[model.ColSystemCreatedAt]; !ok {
		values[model.ColSystemCreatedAt] = now.String()
	}
	for _, col := range table.LWWColumns() {
		if _, ok := values[col.ShadowColumn()]; !ok {
			values[col.ShadowColumn()] = now.String()
		}
	}

	if err := insertRow(ctx, tx, table.Name, values); err != nil {
		if isConstraintViolation(err) {
			if policy == Skip {
				e.logger.Warn("bulkLoad: insert skipped on constraint violation", "table", table.Name, "system_id", systemID)
				return appliedSkip, nil
			}
			return appliedSkip, ldberr.Constraintf("bulkLoad.insert", table.Name, systemID, err)
		}
		return appliedSkip, ldberr.Storagef("bulkLoad.insert", err)
	}
	return appliedInsert, nil
}

func (e *Engine) applyUpdate(ctx context.Context, tx *adapter.Tx, table model.TableDef, systemID string, row, local map[string]any, policy Policy, now hlc.Timestamp) (applyOutcome, error) {
	updates := make(map[string]any)

	for col, val := range row {
		if col == model.ColSystemID || col == model.ColSystemIsLocal {
			continue
		}
		if _, ok := model.IsShadowColumn(col); ok {
			continue // shadows are written alongside their base column below
		}
		def, isDeclared := table.Column(col)
		if isDeclared && def.IsLWW {
			resolveLWWUpdate(table, col, row, local, updates)
			continue
		}
		updates[col] = val
	}

	if len(updates) == 0 {
		return appliedUpdate, nil
	}
	updates[model.ColSystemVersion] = now.String()

	if err := updateRow(ctx, tx, table.Name, systemID, updates); err != nil {
		if isConstraintViolation(err) {
			if policy == Skip {
				e.logger.Warn("bulkLoad: update skipped on constraint violation", "table", table.Name, "system_id", systemID)
				return appliedSkip, nil
			}
			return appliedSkip, ldberr.Constraintf("bulkLoad.update", table.Name, systemID, err)
		}
		return appliedSkip, ldberr.Storagef("bulkLoad.update", err)
	}
	return appliedUpdate, nil
}

// resolveLWWUpdate implements the per-column LWW rule: the server's value
// for an LWW column wins when it carries an HLC strictly newer than the
// local shadow, when the local shadow is missing or does not parse, or when
// the server supplied no HLC at all (source ambiguity the spec resolves as
// "server wins", flagged debatable there). A server HLC that does not parse
// leaves the column unchanged.
func resolveLWWUpdate(table model.TableDef, col string, row, local map[string]any, updates map[string]any) {
	shadowCol := col + "__hlc"
	remoteHLCStr, remoteHasHLC := row[shadowCol].(string)

	if !remoteHasHLC {
		updates[col] = row[col]
		return
	}
	remoteHLC, err := hlc.Parse(remoteHLCStr)
	if err != nil {
		return
	}

	localHLCStr, localHasHLC := local[shadowCol].(string)
	if !localHasHLC {
		updates[col] = row[col]
		updates[shadowCol] = remoteHLCStr
		return
	}
	localHLC, err := hlc.Parse(localHLCStr)
	if err != nil {
		updates[col] = row[col]
		updates[shadowCol] = remoteHLCStr
		return
	}

	if hlc.Compare(remoteHLC, localHLC) > 0 {
		updates[col] = row[col]
		updates[shadowCol] = remoteHLCStr
	}
}

func (e *Engine) applyTombstone(ctx context.Context, tx *adapter.Tx, table model.TableDef, systemID string) (applyOutcome, error) {
	if err := deleteRow(ctx, tx, table.Name, systemID); err != nil {
		return appliedSkip, ldberr.Storagef("bulkLoad.tombstone", err)
	}
	if err := dirtyrow.ClearDirty(ctx, tx, table.Name, systemID); err != nil {
		return appliedSkip, fmt.Errorf("bulkLoad: clear dirty on tombstone: %w", err)
	}
	return appliedUpdate, nil
}

// reconcileDirty clears any queued DirtyRow for (table, systemID) once the
// incoming row's system_version dominates it, per I5.
func (e *Engine) reconcileDirty(ctx context.Context, tx *adapter.Tx, table, systemID string, row map[string]any) error {
	versionStr, _ := row[model.ColSystemVersion].(string)
	if versionStr == "" {
		return nil
	}
	incoming, err := hlc.Parse(versionStr)
	if err != nil {
		return nil
	}

	existing, err := dirtyrow.GetDirtyRow(ctx, tx, table, systemID)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if hlc.Compare(incoming, existing.HLC) >= 0 {
		return dirtyrow.ClearDirty(ctx, tx, table, systemID)
	}
	return nil
}

// parseRemoteVersion extracts and parses row's system_version, if present
// and well-formed, for folding into this node's clock via Observe.
func parseRemoteVersion(row map[string]any) (hlc.Timestamp, bool) {
	versionStr, _ := row[model.ColSystemVersion].(string)
	if versionStr == "" {
		return hlc.Timestamp{}, false
	}
	ts, err := hlc.Parse(versionStr)
	if err != nil {
		return hlc.Timestamp{}, false
	}
	return ts, true
}

func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "FOREIGN KEY constraint") ||
		strings.Contains(msg, "CHECK constraint")
}
