// Package executor runs parse-and-dispatch work on a fixed pool of worker
// goroutines fed by a bounded queue.
//
// The queue is the connector's backpressure point: pollers and acceptors use
// TrySubmit, which never blocks, and turn a rejection into a 503 for the
// client. Only async resumes, which already own a suspended request, wait
// for space with Submit.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/marmos91/portico/internal/logger"
)

var (
	// ErrRejected is returned by TrySubmit when the queue is full.
	ErrRejected = errors.New("executor queue full")

	// ErrShutdown is returned once Shutdown has begun.
	ErrShutdown = errors.New("executor shut down")
)

// Config sizes the pool.
type Config struct {
	// Name is used in log lines.
	Name string

	// MaxThreads is the number of worker goroutines.
	MaxThreads int

	// MaxQueueSize is the number of tasks that may wait for a worker.
	MaxQueueSize int
}

// Stats is a point-in-time snapshot of executor activity.
type Stats struct {
	Queued    int
	Active    int
	Submitted uint64
	Completed uint64
	Rejected  uint64
	Panics    uint64
}

// Executor is a bounded worker pool.
//
// Thread safety:
// All methods are safe for concurrent use.
type Executor struct {
	name    string
	threads int
	tasks   chan func()

	// mu orders submissions against the close of tasks during Shutdown. It
	// is never held across a blocking send.
	mu      sync.RWMutex
	closed  bool
	quit    chan struct{}
	started atomic.Bool
	wg      sync.WaitGroup

	// waiting counts Submit calls that may still send on tasks.
	waiting sync.WaitGroup

	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	rejected  atomic.Uint64
	panics    atomic.Uint64
}

// New creates an executor. Workers start with Start.
//
// Panics if MaxThreads < 1 or MaxQueueSize < 0. These are programming errors
// caught by config validation.
func New(cfg Config) *Executor {
	if cfg.MaxThreads < 1 {
		panic(fmt.Sprintf("executor: MaxThreads must be >= 1, got %d", cfg.MaxThreads))
	}
	if cfg.MaxQueueSize < 0 {
		panic(fmt.Sprintf("executor: MaxQueueSize must be >= 0, got %d", cfg.MaxQueueSize))
	}
	if cfg.Name == "" {
		cfg.Name = "executor"
	}
	return &Executor{
		name:    cfg.Name,
		threads: cfg.MaxThreads,
		tasks:   make(chan func(), cfg.MaxQueueSize),
		quit:    make(chan struct{}),
	}
}

// Start launches the worker goroutines. Calling Start twice is a no-op.
func (e *Executor) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(e.threads)
	for i := 0; i < e.threads; i++ {
		go e.worker()
	}
	logger.Debug("%s: started %d workers (queue=%d)", e.name, e.threads, cap(e.tasks))
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for task := range e.tasks {
		e.run(task)
	}
}

func (e *Executor) run(task func()) {
	e.active.Add(1)
	defer func() {
		e.active.Add(-1)
		e.completed.Add(1)
		if r := recover(); r != nil {
			e.panics.Add(1)
			logger.Error("%s: task panicked: %v\n%s", e.name, r, debug.Stack())
		}
	}()
	task()
}

// TrySubmit enqueues task without blocking.
//
// Returns:
//   - nil if the task was queued
//   - ErrRejected if the queue is full
//   - ErrShutdown if the executor is shutting down
func (e *Executor) TrySubmit(task func()) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return ErrShutdown
	}
	select {
	case e.tasks <- task:
		e.submitted.Add(1)
		return nil
	default:
		e.rejected.Add(1)
		return ErrRejected
	}
}

// Submit enqueues task, waiting for queue space until ctx is done or
// Shutdown begins.
//
// Returns:
//   - nil if the task was queued
//   - ErrShutdown if the executor is shutting down
//   - ctx.Err() if ctx ended first
func (e *Executor) Submit(ctx context.Context, task func()) error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return ErrShutdown
	}
	e.waiting.Add(1)
	e.mu.RUnlock()
	defer e.waiting.Done()

	select {
	case e.tasks <- task:
		e.submitted.Add(1)
		return nil
	case <-e.quit:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting tasks, lets workers drain the queue and waits
// for them until ctx is done.
//
// Submit calls blocked on a full queue are released with ErrShutdown before
// the queue is closed.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.quit)
	e.mu.Unlock()

	// No Submit can start now; the blocked ones return on quit
	e.waiting.Wait()
	close(e.tasks)

	if !e.started.Load() {
		// Nobody will drain the queue; run leftovers inline
		for task := range e.tasks {
			e.run(task)
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("%s: all workers stopped", e.name)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: shutdown: %w", e.name, ctx.Err())
	}
}

// Stats returns a snapshot of the executor counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Queued:    len(e.tasks),
		Active:    int(e.active.Load()),
		Submitted: e.submitted.Load(),
		Completed: e.completed.Load(),
		Rejected:  e.rejected.Load(),
		Panics:    e.panics.Load(),
	}
}

// Capacity returns MaxThreads and MaxQueueSize.
func (e *Executor) Capacity() (threads, queue int) {
	return e.threads, cap(e.tasks)
}
