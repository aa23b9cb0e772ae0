// Package syncorch implements the Sync Orchestrator contract (C8): each sync
// round drains the dirty-row queue (C4) into an outgoing batch, hands it to
// an app-supplied Send, fetches remote changes via an app-supplied Fetch,
// and applies them with the merge engine (C6). A round runs when the caller
// invokes Tick or TickWithRetry; the package does not schedule rounds itself. Retry behavior is
// delegated to a RetryPolicy strategy object rather than hardcoded, mirroring
// how the teacher's reconcile.Reconciler takes its timing from a config
// struct instead of baking intervals into the tick loop.
package syncorch

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/riftsync/ldb/internal/dirtyrow"
	"github.com/riftsync/ldb/internal/engine"
	"github.com/riftsync/ldb/internal/hlc"
	"github.com/riftsync/ldb/internal/merge"
)

// RowUpload is one outgoing change built from a drained DirtyRow entry. Row
// is the current full row content (nil for a tombstone); the transport is
// responsible for shaping this into whatever wire format the remote side
// expects.
type RowUpload struct {
	Table     string
	RowID     string
	HLC       hlc.Timestamp
	IsFullRow bool
	Tombstone bool
	Row       map[string]any
}

// Ack reports, per (table, row_id), the highest HLC the remote side has
// durably applied. The orchestrator clears a DirtyRow only when its
// persisted HLC is at or below the acknowledged one, per the sync protocol
// contract in §6.
type Ack struct {
	Table string
	RowID string
	HLC   hlc.Timestamp
}

// FetchFunc retrieves server-side rows for table that changed since
// lastSeen. Each returned row is a bulkLoad candidate.
type FetchFunc func(ctx context.Context, table string, lastSeen hlc.Timestamp) ([]map[string]any, error)

// SendFunc uploads batch and returns the remote's acknowledgements.
type SendFunc func(ctx context.Context, batch []RowUpload) ([]Ack, error)

// RetryPolicy decides whether a failed sync round should be retried and how
// long to wait first. Implementations are free to consult round count,
// elapsed time, or the error itself.
type RetryPolicy interface {
	NextBackoff(attempt int, err error) (delay time.Duration, retry bool)
}

// FixedBackoff retries through a fixed list of delays, then gives up.
type FixedBackoff struct {
	Delays []time.Duration
}

func (f FixedBackoff) NextBackoff(attempt int, _ error) (time.Duration, bool) {
	if attempt < 0 || attempt >= len(f.Delays) {
		return 0, false
	}
	return f.Delays[attempt], true
}

// Cursor tracks the last-seen HLC per table for Fetch, so each sync round
// only asks for rows newer than what was already applied.
type Cursor interface {
	LastSeen(table string) hlc.Timestamp
	Advance(table string, seen hlc.Timestamp)
}

// memCursor is the default in-process Cursor; callers needing durability
// across restarts supply their own (e.g. backed by a one-row-per-table
// SQLite table).
type memCursor struct {
	seen map[string]hlc.Timestamp
}

func NewMemCursor() Cursor {
	return &memCursor{seen: make(map[string]hlc.Timestamp)}
}

func (c *memCursor) LastSeen(table string) hlc.Timestamp { return c.seen[table] }
func (c *memCursor) Advance(table string, seen hlc.Timestamp) {
	if hlc.Compare(seen, c.seen[table]) > 0 {
		c.seen[table] = seen
	}
}

// Orchestrator invokes Fetch/Send against one engine, one round per Tick
// call; it runs no timer of its own.
type Orchestrator struct {
	eng       *engine.Engine
	merge     *merge.Engine
	fetch     FetchFunc
	send      SendFunc
	cursor    Cursor
	batchSize int
	policy    RetryPolicy
	logger    *log.Logger
}

// Option customizes Orchestrator construction.
type Option func(*Orchestrator)

func WithBatchSize(n int) Option {
	return func(o *Orchestrator) { o.batchSize = n }
}

func WithCursor(c Cursor) Option {
	return func(o *Orchestrator) { o.cursor = c }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New constructs an Orchestrator bound to eng. mergeEngine applies fetched
// rows; fetch/send are the app-supplied transport callbacks.
func New(eng *engine.Engine, mergeEngine *merge.Engine, fetch FetchFunc, send SendFunc, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		eng:       eng,
		merge:     mergeEngine,
		fetch:     fetch,
		send:      send,
		cursor:    NewMemCursor(),
		batchSize: 200,
		policy:    FixedBackoff{Delays: []time.Duration{250 * time.Millisecond, time.Second, 5 * time.Second}},
		logger:    log.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Tick runs one upload-then-download sync round: drain dirty rows and send
// them, then fetch and apply remote changes for every declared table.
func (o *Orchestrator) Tick(ctx context.Context) error {
	if err := o.upload(ctx); err != nil {
		return fmt.Errorf("syncorch: upload: %w", err)
	}
	if err := o.download(ctx); err != nil {
		return fmt.Errorf("syncorch: download: %w", err)
	}
	return nil
}

// TickWithRetry runs Tick, retrying per the configured RetryPolicy on
// failure. It returns the last error if the policy gives up.
func (o *Orchestrator) TickWithRetry(ctx context.Context) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = o.Tick(ctx)
		if lastErr == nil {
			return nil
		}
		delay, retry := o.policy.NextBackoff(attempt, lastErr)
		if !retry {
			return lastErr
		}
		o.logger.Warn("sync round failed, retrying", "attempt", attempt, "delay", delay, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (o *Orchestrator) upload(ctx context.Context) error {
	db := o.eng.Adapter().DB()
	entries, err := dirtyrow.Drain(ctx, db, o.batchSize)
	if err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	batch := make([]RowUpload, 0, len(entries))
	for _, e := range entries {
		upload := RowUpload{Table: e.Table, RowID: e.RowID, HLC: e.HLC, IsFullRow: e.IsFullRow, Tombstone: e.Tombstone}
		if !e.Tombstone {
			rec, err := o.eng.QueryOne(ctx, e.Table, "system_id = ?", e.RowID)
			if err != nil {
				return fmt.Errorf("load row for upload (%s/%s): %w", e.Table, e.RowID, err)
			}
			if rec != nil {
				upload.Row = rec.Fields()
			}
		}
		batch = append(batch, upload)
	}

	acks, err := o.send(ctx, batch)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	for _, ack := range acks {
		existing, err := dirtyrow.GetDirtyRow(ctx, db, ack.Table, ack.RowID)
		if err != nil {
			return fmt.Errorf("lookup dirty after ack: %w", err)
		}
		if existing == nil {
			continue
		}
		if hlc.Compare(existing.HLC, ack.HLC) <= 0 {
			if err := dirtyrow.ClearDirty(ctx, db, ack.Table, ack.RowID); err != nil {
				return fmt.Errorf("clear dirty after ack: %w", err)
			}
		}
	}
	return nil
}

func (o *Orchestrator) download(ctx context.Context) error {
	for _, table := range o.eng.Schema().Tables {
		lastSeen := o.cursor.LastSeen(table.Name)
		rows, err := o.fetch(ctx, table.Name, lastSeen)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", table.Name, err)
		}
		if len(rows) == 0 {
			continue
		}
		if _, err := o.merge.BulkLoad(ctx, o.eng.Adapter(), table, rows, merge.ThrowException); err != nil {
			return fmt.Errorf("bulkLoad %s: %w", table.Name, err)
		}
		o.cursor.Advance(table.Name, highestVersion(rows, lastSeen))
	}
	return nil
}

func highestVersion(rows []map[string]any, floor hlc.Timestamp) hlc.Timestamp {
	max := floor
	for _, row := range rows {
		versionStr, _ := row["system_version"].(string)
		if versionStr == "" {
			continue
		}
		ts, err := hlc.Parse(versionStr)
		if err != nil {
			continue
		}
		if hlc.Compare(ts, max) > 0 {
			max = ts
		}
	}
	return max
}
