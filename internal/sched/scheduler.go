// Package sched implements the single-threaded cooperative scheduler the
// design notes call for in place of the source's async callbacks and
// polling timers: named tasks are enqueued, run one at a time on a single
// worker goroutine, and can be cancelled or coalesced by name.
package sched

import (
	"context"
	"sync"
)

// Task is a unit of work identified by name. Re-enqueuing the same name
// while a run is pending coalesces into a single execution.
type Task struct {
	Name string
	Run  func(ctx context.Context)
}

// Scheduler runs enqueued tasks one at a time on a single worker goroutine,
// coalescing repeated enqueues of the same name into at most one pending
// run, and supporting cancellation by name.
type Scheduler struct {
	mu      sync.Mutex
	pending map[string]bool
	cancels map[string]context.CancelFunc
	queue   chan Task
	done    chan struct{}
}

// New starts a Scheduler's worker goroutine bound to ctx; the worker exits
// when ctx is cancelled.
func New(ctx context.Context) *Scheduler {
	s := &Scheduler{
		pending: make(map[string]bool),
		cancels: make(map[string]context.CancelFunc),
		queue:   make(chan Task, 256),
		done:    make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.queue:
			s.execute(ctx, t)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, t Task) {
	s.mu.Lock()
	taskCtx, cancel := context.WithCancel(ctx)
	s.cancels[t.Name] = cancel
	s.mu.Unlock()

	t.Run(taskCtx)

	s.mu.Lock()
	delete(s.pending, t.Name)
	delete(s.cancels, t.Name)
	s.mu.Unlock()
}

// Enqueue schedules t for execution. If a task with the same name already
// has a pending (not yet started) or in-flight run, the enqueue is a no-op:
// the existing run will reflect the latest state by the time it executes.
func (s *Scheduler) Enqueue(t Task) {
	s.mu.Lock()
	if s.pending[t.Name] {
		s.mu.Unlock()
		return
	}
	s.pending[t.Name] = true
	s.mu.Unlock()

	s.queue <- t
}

// Cancel stops the in-flight run named name, if any, and clears its pending
// state so a subsequent Enqueue is accepted immediately.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancels[name]; ok {
		cancel()
		delete(s.cancels, name)
	}
	delete(s.pending, name)
}

// Stop waits for the worker goroutine to exit after its context is
// cancelled by the caller.
func (s *Scheduler) Stop() {
	<-s.done
}
