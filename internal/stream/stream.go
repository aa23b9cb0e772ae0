// Package stream implements the reactive Query Stream Manager (C7): live
// queries that re-execute exactly when their source table changes, with
// re-executions coalesced through a single-threaded cooperative scheduler
// so a transaction touching many rows produces one re-execution, not one
// per row.
package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/riftsync/ldb/internal/sched"
)

// Executor runs a stream's underlying query and returns the new result set
// as column-name-keyed rows. The engine package supplies this as a closure
// over its own Query.
type Executor func(ctx context.Context) ([]map[string]any, error)

// Stream is a live query bound to one table. Re-executions are delivered to
// Subscribe callbacks; errors are delivered via the same channel so a
// subscriber sees both without racing on two paths.
type Stream struct {
	id       int64
	table    string
	signature string
	exec     Executor

	mu       sync.Mutex
	cached   []map[string]any
	subs     []func(rows []map[string]any, err error)
	disposed bool
}

// ID uniquely identifies this stream within its manager.
func (s *Stream) ID() int64 { return s.id }

// Table is the table this stream re-executes on.
func (s *Stream) Table() string { return s.table }

// Subscribe registers fn to receive every future re-execution result (or
// error). It does not replay the current cache; callers wanting the
// current snapshot should call Cached first.
func (s *Stream) Subscribe(fn func(rows []map[string]any, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Cached returns the most recent result snapshot, or nil before the first
// execution.
func (s *Stream) Cached() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cached
}

func (s *Stream) deliver(rows []map[string]any, err error) {
	s.mu.Lock()
	if err == nil {
		s.cached = rows
	}
	subs := append([]func(rows []map[string]any, err error){}, s.subs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(rows, err)
	}
}

// Manager owns every live Stream, a table -> streams reverse index for
// invalidation fan-out, and coalesces re-executions through a sched.Scheduler.
type Manager struct {
	logger *log.Logger

	mu      sync.Mutex
	byTable map[string][]*Stream
	byID    map[int64]*Stream
	nextID  int64

	ctx    context.Context
	cancel context.CancelFunc
	sched  *sched.Scheduler
}

// NewManager constructs a Manager. A nil logger falls back to the
// package-default charmbracelet logger.
func NewManager(logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:  logger,
		byTable: make(map[string][]*Stream),
		byID:    make(map[int64]*Stream),
		ctx:     ctx,
		cancel:  cancel,
		sched:   sched.New(ctx),
	}
}

// Register creates a Stream over table, invoking exec immediately to seed
// the cache, then re-invoking exec on every future change to table.
func (m *Manager) Register(ctx context.Context, table, signature string, exec Executor) (*Stream, error) {
	m.mu.Lock()
	id := atomic.AddInt64(&m.nextID, 1)
	s := &Stream{id: id, table: table, signature: signature, exec: exec}
	m.byTable[table] = append(m.byTable[table], s)
	m.byID[id] = s
	m.mu.Unlock()

	rows, err := exec(ctx)
	s.deliver(rows, err)
	if err != nil {
		return s, fmt.Errorf("register stream %d: initial execution: %w", id, err)
	}
	return s, nil
}

// DisposeStream removes a single stream from the reverse index and cancels
// any pending re-execution for it.
func (m *Manager) DisposeStream(id int64) {
	m.mu.Lock()
	s, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.byID, id)
	peers := m.byTable[s.table]
	out := peers[:0]
	for _, p := range peers {
		if p.id != id {
			out = append(out, p)
		}
	}
	m.byTable[s.table] = out
	m.mu.Unlock()

	s.mu.Lock()
	s.disposed = true
	s.mu.Unlock()
	m.sched.Cancel(streamTaskName(id))
}

// NotifyTableChanged enqueues a coalesced re-execution for every stream
// registered over table. Multiple notifications before a pending
// re-execution starts collapse into one run per stream, per the design's
// "exactly one re-execution" coalescing rule.
func (m *Manager) NotifyTableChanged(table string) {
	m.mu.Lock()
	streams := append([]*Stream{}, m.byTable[table]...)
	m.mu.Unlock()

	for _, s := range streams {
		s := s
		m.sched.Enqueue(sched.Task{
			Name: streamTaskName(s.id),
			Run: func(ctx context.Context) {
				s.mu.Lock()
				disposed := s.disposed
				s.mu.Unlock()
				if disposed {
					return
				}
				rows, err := s.exec(ctx)
				if err != nil {
					m.logger.Warn("stream re-execution failed", "stream", s.id, "table", s.table, "error", err)
				} else {
					m.logger.Debug("stream re-executed", "stream", s.id, "table", s.table, "rows", len(rows))
				}
				s.deliver(rows, err)
			},
		})
	}
}

// Dispose tears down the manager: cancels the scheduler context and clears
// every registered stream.
func (m *Manager) Dispose() {
	m.cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byTable = make(map[string][]*Stream)
	m.byID = make(map[int64]*Stream)
}

func streamTaskName(id int64) string {
	return fmt.Sprintf("stream-%d", id)
}
